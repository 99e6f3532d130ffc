package cli

import (
	"reflect"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vburojevic/traced/internal/consumer"
	"github.com/vburojevic/traced/internal/domain"
	"github.com/vburojevic/traced/internal/output"
	"github.com/vburojevic/traced/internal/producer"
)

// jsonFields lists the json names of t's exported fields.
func jsonFields(t reflect.Type) []string {
	var out []string
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name := strings.Split(f.Tag.Get("json"), ",")[0]
		if name == "-" {
			continue
		}
		if name == "" {
			name = f.Name
		}
		if name == "type" || name == "schemaVersion" {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func schemaFields(s schema) []string {
	var out []string
	for name := range s["properties"].(schema) {
		if name == "type" || name == "schemaVersion" {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Ensures every schema lists exactly the fields its record type emits.
func TestSchemaDrift(t *testing.T) {
	cases := map[string]reflect.Type{
		"session":      reflect.TypeOf(domain.SessionInfo{}),
		"stats":        reflect.TypeOf(domain.TraceStats{}),
		"summary":      reflect.TypeOf(output.RecordSummary{}),
		"error":        reflect.TypeOf(output.ErrorRecord{}),
		"capabilities": reflect.TypeOf(consumer.Capabilities{}),
		"producer":     reflect.TypeOf(producer.Info{}),
		"detached":     reflect.TypeOf(detachState{}),
	}
	schemas := recordSchemas()
	for name, typ := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, jsonFields(typ), schemaFields(schemas[name]))
		})
	}

	props := schemas["stats"]["properties"].(schema)["buffers"].(schema)["items"].(schema)["properties"].(schema)
	assert.Equal(t, jsonFields(reflect.TypeOf(domain.BufferStats{})), schemaFields(schema{"properties": props}))
}
