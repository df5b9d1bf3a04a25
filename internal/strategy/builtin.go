package strategy

import "fmt"

// DefaultName is the strategy used when nothing else matches.
const DefaultName = "generic"

// Builtin constructs a built-in strategy by name.
func Builtin(name string) (Strategy, error) {
	switch name {
	case "pdf":
		return PDF{}, nil
	case "spreadsheet":
		return Spreadsheet{}, nil
	case "text":
		return Text{}, nil
	case "image":
		return Image{}, nil
	case "generic":
		return Generic{}, nil
	default:
		return nil, fmt.Errorf("unknown strategy %q: must be one of pdf, spreadsheet, text, image, generic", name)
	}
}

// NewDefaultRegistry registers every built-in strategy, with generic as the
// default. The registry is left open so callers can add their own before
// calling Freeze.
func NewDefaultRegistry() (*Registry, error) {
	r := NewRegistry()
	for _, name := range []string{"pdf", "spreadsheet", "image", "text", DefaultName} {
		s, err := Builtin(name)
		if err != nil {
			return nil, err
		}
		if err := r.Register(s, name == DefaultName); err != nil {
			return nil, fmt.Errorf("register %s: %w", name, err)
		}
	}
	return r, nil
}
