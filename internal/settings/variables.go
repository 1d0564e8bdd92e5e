package settings

// ValueType is the type of a setting value.
type ValueType string

const (
	TypeBool   ValueType = "bool"
	TypeInt    ValueType = "int"
	TypeNumber ValueType = "number"
	TypeString ValueType = "string"
	TypeOption ValueType = "option"
)

// Variable describes one satellite setting.
type Variable struct {
	Key     string
	Type    ValueType
	Default any

	// Min and Max clamp numeric values.
	Min, Max float64

	// Scale multiplies the stored value when it is sent to the satellite.
	// Zero means unscaled.
	Scale float64

	// Options is the closed set for TypeOption.
	Options []string
}

// AllVariables is the table of settings the satellite understands.
var AllVariables = []Variable{
	// Numbers
	{Key: "mic_gain", Type: TypeInt, Default: 1, Min: 1, Max: 100},
	{Key: "notification_volume", Type: TypeInt, Default: 5, Min: 0, Max: 10, Scale: 10},
	{Key: "music_volume", Type: TypeInt, Default: 5, Min: 0, Max: 10, Scale: 10},
	{Key: "ducking_volume", Type: TypeNumber, Default: 10.0, Min: 0, Max: 10, Scale: 10},
	{Key: "screen_brightness", Type: TypeInt, Default: 50, Min: 0, Max: 100},
	{Key: "ha_port", Type: TypeInt, Default: 8123, Min: 1, Max: 65535},

	// Selects
	{Key: "wake_word", Type: TypeString, Default: "hey_jarvis"},
	{Key: "wake_word_sound", Type: TypeOption, Default: "havpe", Options: []string{"none", "alexa", "havpe", "ding", "bubble"}},

	// Switches
	{Key: "is_muted", Type: TypeBool, Default: false},
	{Key: "swipe_refresh", Type: TypeBool, Default: false},
}

// VariablesByKey indexes AllVariables.
func VariablesByKey() map[string]Variable {
	out := make(map[string]Variable, len(AllVariables))
	for _, v := range AllVariables {
		out[v.Key] = v
	}
	return out
}
