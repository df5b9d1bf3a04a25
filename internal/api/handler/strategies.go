package handler

import (
	"net/http"

	"github.com/kiranshivaraju/docworker/internal/api/response"
	"github.com/kiranshivaraju/docworker/internal/strategy"
)

// StrategyCatalog is the read side of the strategy registry.
type StrategyCatalog interface {
	List() []string
	Get(name string) (strategy.Strategy, bool)
	Default() (strategy.Strategy, bool)
}

type strategyInfo struct {
	Name        string `json:"name"`
	Default     bool   `json:"default"`
	FieldSchema bool   `json:"field_schema"`
}

// NewListStrategiesHandler returns the handler for GET /api/v1/strategies.
func NewListStrategiesHandler(strategies StrategyCatalog) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		var defaultName string
		if d, ok := strategies.Default(); ok {
			defaultName = d.Name()
		}

		out := []strategyInfo{}
		for _, name := range strategies.List() {
			s, _ := strategies.Get(name)
			_, hasSchema := s.(strategy.SchemaProvider)
			out = append(out, strategyInfo{
				Name:        name,
				Default:     name == defaultName,
				FieldSchema: hasSchema,
			})
		}
		response.JSON(w, out)
	}
}
