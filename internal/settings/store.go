// Package settings holds the settings of one satellite. The store is the only writer;
// readers get copies, and subscribers are told about every change.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// ErrInvalidValue is returned when a value cannot be converted to the setting's type.
var ErrInvalidValue = errors.New("invalid setting value")

// ChangeHandler is called when a setting changes.
type ChangeHandler func(key string, oldValue, newValue any)

// Subscription represents an active change subscription.
type Subscription interface {
	Unsubscribe()
}

type subscription struct {
	id    int
	store *Store
}

func (s *subscription) Unsubscribe() {
	s.store.unsubscribe(s.id)
}

// Store keeps the current value of every setting.
type Store struct {
	logger      *zap.Logger
	variables   map[string]Variable
	cache       map[string]any
	cacheMu     sync.RWMutex
	subscribers map[int]ChangeHandler
	subsMu      sync.RWMutex
	nextSubID   int
}

// NewStore creates a store holding the defaults overlaid with initial.
func NewStore(initial map[string]any, logger *zap.Logger) (*Store, error) {
	s := &Store{
		logger:      logger.Named("settings"),
		variables:   VariablesByKey(),
		cache:       make(map[string]any),
		subscribers: make(map[int]ChangeHandler),
	}
	for _, v := range AllVariables {
		s.cache[v.Key] = v.Default
	}
	for key, value := range initial {
		coerced, err := s.coerce(key, value)
		if err != nil {
			return nil, err
		}
		s.cache[key] = coerced
	}
	return s, nil
}

// Get returns the stored value of key.
func (s *Store) Get(key string) (any, bool) {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	v, ok := s.cache[key]
	return v, ok
}

// GetBool retrieves a boolean setting.
func (s *Store) GetBool(key string) (bool, error) {
	v, ok := s.Get(key)
	if !ok {
		return false, fmt.Errorf("setting %s not found", key)
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("setting %s is not a boolean", key)
	}
	return b, nil
}

// GetInt retrieves an integer setting.
func (s *Store) GetInt(key string) (int, error) {
	v, ok := s.Get(key)
	if !ok {
		return 0, fmt.Errorf("setting %s not found", key)
	}
	i, ok := v.(int)
	if !ok {
		return 0, fmt.Errorf("setting %s is not an integer", key)
	}
	return i, nil
}

// GetString retrieves a string setting.
func (s *Store) GetString(key string) (string, error) {
	v, ok := s.Get(key)
	if !ok {
		return "", fmt.Errorf("setting %s not found", key)
	}
	str, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("setting %s is not a string", key)
	}
	return str, nil
}

// Set stores value under key after converting and clamping it. Subscribers are
// notified only when the stored value changed. Keys outside the variable table are
// stored as given.
func (s *Store) Set(key string, value any) (bool, error) {
	coerced, err := s.coerce(key, value)
	if err != nil {
		return false, err
	}

	s.cacheMu.Lock()
	oldValue, existed := s.cache[key]
	if existed && reflect.DeepEqual(oldValue, coerced) {
		s.cacheMu.Unlock()
		return false, nil
	}
	s.cache[key] = coerced
	s.cacheMu.Unlock()

	s.logger.Debug("Setting changed",
		zap.String("key", key),
		zap.Any("old", oldValue),
		zap.Any("new", coerced))

	s.notifySubscribers(key, oldValue, coerced)
	return true, nil
}

// Values returns a copy of the stored values.
func (s *Store) Values() map[string]any {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	return maps.Clone(s.cache)
}

// Snapshot returns the settings as sent to the satellite, with scaled values applied.
func (s *Store) Snapshot() map[string]any {
	values := s.Values()
	for key, value := range values {
		variable, ok := s.variables[key]
		if !ok || variable.Scale == 0 {
			continue
		}
		switch n := value.(type) {
		case int:
			values[key] = int(float64(n) * variable.Scale)
		case float64:
			values[key] = n * variable.Scale
		}
	}
	return values
}

// Subscribe registers a handler for every change.
func (s *Store) Subscribe(handler ChangeHandler) Subscription {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	s.nextSubID++
	s.subscribers[s.nextSubID] = handler
	return &subscription{id: s.nextSubID, store: s}
}

func (s *Store) unsubscribe(id int) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	delete(s.subscribers, id)
}

// notifySubscribers runs every handler in its own goroutine.
func (s *Store) notifySubscribers(key string, oldValue, newValue any) {
	s.subsMu.RLock()
	handlers := make([]ChangeHandler, 0, len(s.subscribers))
	for _, h := range s.subscribers {
		handlers = append(handlers, h)
	}
	s.subsMu.RUnlock()

	for _, handler := range handlers {
		go handler(key, oldValue, newValue)
	}
}

func (s *Store) coerce(key string, value any) (any, error) {
	variable, ok := s.variables[key]
	if !ok {
		return value, nil
	}

	switch variable.Type {
	case TypeBool:
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			switch strings.ToLower(v) {
			case "on", "true":
				return true, nil
			case "off", "false":
				return false, nil
			}
		}
		return nil, fmt.Errorf("%w: %s expects a boolean, got %v", ErrInvalidValue, key, value)

	case TypeInt, TypeNumber:
		n, err := toFloat(value)
		if err == nil && math.IsNaN(n) {
			err = errors.New("NaN")
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidValue, key, err)
		}
		n = math.Max(variable.Min, math.Min(variable.Max, n))
		if variable.Type == TypeInt {
			return int(n), nil
		}
		return n, nil

	case TypeString:
		str, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s expects a string, got %v", ErrInvalidValue, key, value)
		}
		if key == "wake_word" {
			str = strings.ReplaceAll(strings.ToLower(str), " ", "_")
		}
		return str, nil

	case TypeOption:
		str, ok := value.(string)
		if !ok || !slices.Contains(variable.Options, str) {
			return nil, fmt.Errorf("%w: %s must be one of %v, got %v", ErrInvalidValue, key, variable.Options, value)
		}
		return str, nil

	default:
		return nil, fmt.Errorf("unknown type: %s", variable.Type)
	}
}

func toFloat(value any) (float64, error) {
	switch v := value.(type) {
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	case string:
		return strconv.ParseFloat(v, 64)
	default:
		return 0, fmt.Errorf("not a number: %v", value)
	}
}
