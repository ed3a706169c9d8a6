// Package settings defines the persisted runtime tunables document.
package settings

import (
	"fmt"

	"github.com/dlorp/synapse-engine/internal/domain"
)

// Settings is the typed runtime settings record. It is persisted as a
// single JSON document with atomic rewrite and validated on load and on
// every update.
type Settings struct {
	ScanPath            string `json:"scanPath"`
	InferenceBinaryPath string `json:"inferenceBinaryPath"`
	BindHost            string `json:"bindHost"`
	PortRangeStart      int    `json:"portRangeStart"`
	PortRangeEnd        int    `json:"portRangeEnd"`

	PowerfulMinParams float64 `json:"powerfulMinParams"` // billions
	FastMaxParams     float64 `json:"fastMaxParams"`     // billions

	DefaultTemperature float64 `json:"defaultTemperature"`
	CGRAGTokenBudget   int     `json:"cgragTokenBudget"`
	ContextWindowSize  int     `json:"contextWindowSize"`

	MaxStartupSeconds   int  `json:"maxStartupSeconds"`
	GraceSeconds        int  `json:"graceSeconds"`
	ConcurrentStarts    bool `json:"concurrentStarts"`
	CallTimeoutSeconds  int  `json:"callTimeoutSeconds"`
	QueryTimeoutSeconds int  `json:"queryTimeoutSeconds"` // 0 disables the wall clock

	ConcurrentCallsCap int  `json:"concurrentCallsCap"`
	BenchmarkMaxTokens int  `json:"benchmarkMaxTokens"`
	BenchmarkSerial    bool `json:"benchmarkSerial"`

	ResponseCacheTTLSeconds int `json:"responseCacheTtlSeconds"`
}

// Defaults returns the settings document used when no file exists yet.
func Defaults() Settings {
	return Settings{
		ScanPath:                "models",
		InferenceBinaryPath:     "llama-server",
		BindHost:                "127.0.0.1",
		PortRangeStart:          8085,
		PortRangeEnd:            8185,
		PowerfulMinParams:       13,
		FastMaxParams:           7,
		DefaultTemperature:      0.7,
		CGRAGTokenBudget:        6000,
		ContextWindowSize:       16384,
		MaxStartupSeconds:       120,
		GraceSeconds:            10,
		ConcurrentStarts:        true,
		CallTimeoutSeconds:      120,
		QueryTimeoutSeconds:     0,
		ConcurrentCallsCap:      8,
		BenchmarkMaxTokens:      512,
		BenchmarkSerial:         false,
		ResponseCacheTTLSeconds: 600,
	}
}

// Validate checks the document against its schema constraints.
func (s *Settings) Validate() error {
	if s.ScanPath == "" {
		return fmt.Errorf("%w: scanPath is required", domain.ErrValidation)
	}
	if s.InferenceBinaryPath == "" {
		return fmt.Errorf("%w: inferenceBinaryPath is required", domain.ErrValidation)
	}
	if s.BindHost == "" {
		return fmt.Errorf("%w: bindHost is required", domain.ErrValidation)
	}
	if s.PortRangeStart < 1 || s.PortRangeStart > 65535 || s.PortRangeEnd < 1 || s.PortRangeEnd > 65535 {
		return fmt.Errorf("%w: port range must lie in [1, 65535]", domain.ErrValidation)
	}
	if s.PortRangeEnd < s.PortRangeStart {
		return fmt.Errorf("%w: portRangeEnd must be >= portRangeStart", domain.ErrValidation)
	}
	if s.PowerfulMinParams <= s.FastMaxParams {
		return fmt.Errorf("%w: powerfulMinParams must exceed fastMaxParams", domain.ErrValidation)
	}
	if s.DefaultTemperature < 0 || s.DefaultTemperature > 2 {
		return fmt.Errorf("%w: defaultTemperature must be in [0.0, 2.0]", domain.ErrValidation)
	}
	if s.CGRAGTokenBudget < 0 {
		return fmt.Errorf("%w: cgragTokenBudget must not be negative", domain.ErrValidation)
	}
	if s.ContextWindowSize < 512 {
		return fmt.Errorf("%w: contextWindowSize must be at least 512", domain.ErrValidation)
	}
	if s.MaxStartupSeconds < 1 {
		return fmt.Errorf("%w: maxStartupSeconds must be positive", domain.ErrValidation)
	}
	if s.GraceSeconds < 0 {
		return fmt.Errorf("%w: graceSeconds must not be negative", domain.ErrValidation)
	}
	if s.CallTimeoutSeconds < 1 {
		return fmt.Errorf("%w: callTimeoutSeconds must be positive", domain.ErrValidation)
	}
	if s.QueryTimeoutSeconds < 0 {
		return fmt.Errorf("%w: queryTimeoutSeconds must not be negative", domain.ErrValidation)
	}
	if s.ConcurrentCallsCap < 1 {
		return fmt.Errorf("%w: concurrentCallsCap must be positive", domain.ErrValidation)
	}
	if s.ResponseCacheTTLSeconds < 0 {
		return fmt.Errorf("%w: responseCacheTtlSeconds must not be negative", domain.ErrValidation)
	}
	return nil
}

// restartRequired lists the fields whose change only takes effect for
// subprocesses started after the update.
var restartRequired = []struct {
	name string
	diff func(a, b *Settings) bool
}{
	{"scanPath", func(a, b *Settings) bool { return a.ScanPath != b.ScanPath }},
	{"inferenceBinaryPath", func(a, b *Settings) bool { return a.InferenceBinaryPath != b.InferenceBinaryPath }},
	{"bindHost", func(a, b *Settings) bool { return a.BindHost != b.BindHost }},
	{"portRangeStart", func(a, b *Settings) bool { return a.PortRangeStart != b.PortRangeStart }},
	{"portRangeEnd", func(a, b *Settings) bool { return a.PortRangeEnd != b.PortRangeEnd }},
}

// RestartRequiredFields returns the names of restart-flagged fields that
// differ between the two documents.
func RestartRequiredFields(old, updated *Settings) []string {
	var fields []string
	for _, f := range restartRequired {
		if f.diff(old, updated) {
			fields = append(fields, f.name)
		}
	}
	return fields
}

// Schema describes each field for the settings UI.
type Schema struct {
	Fields []SchemaField `json:"fields"`
}

// SchemaField is one entry of the settings schema.
type SchemaField struct {
	Name            string `json:"name"`
	Type            string `json:"type"`
	Description     string `json:"description"`
	RestartRequired bool   `json:"restartRequired"`
}

// DescribeSchema returns the settings schema served by the API.
func DescribeSchema() Schema {
	restart := map[string]bool{
		"scanPath": true, "inferenceBinaryPath": true, "bindHost": true,
		"portRangeStart": true, "portRangeEnd": true,
	}
	fields := []SchemaField{
		{Name: "scanPath", Type: "string", Description: "Directory scanned for GGUF model files"},
		{Name: "inferenceBinaryPath", Type: "string", Description: "Path to the inference server binary"},
		{Name: "bindHost", Type: "string", Description: "Host inference servers bind and are called on"},
		{Name: "portRangeStart", Type: "int", Description: "First port assignable to a model"},
		{Name: "portRangeEnd", Type: "int", Description: "Last port assignable to a model"},
		{Name: "powerfulMinParams", Type: "float", Description: "Minimum size (B params) for the powerful tier"},
		{Name: "fastMaxParams", Type: "float", Description: "Maximum size (B params) for the fast tier"},
		{Name: "defaultTemperature", Type: "float", Description: "Sampling temperature when a query omits one"},
		{Name: "cgragTokenBudget", Type: "int", Description: "Token budget handed to CGRAG retrieval"},
		{Name: "contextWindowSize", Type: "int", Description: "Context window passed to inference servers"},
		{Name: "maxStartupSeconds", Type: "int", Description: "Readiness deadline for inference subprocesses"},
		{Name: "graceSeconds", Type: "int", Description: "SIGTERM grace period before SIGKILL"},
		{Name: "concurrentStarts", Type: "bool", Description: "Start enabled servers concurrently"},
		{Name: "callTimeoutSeconds", Type: "int", Description: "Per-inference-call timeout"},
		{Name: "queryTimeoutSeconds", Type: "int", Description: "Per-query wall clock; 0 disables"},
		{Name: "concurrentCallsCap", Type: "int", Description: "Fan-out cap for benchmark mode"},
		{Name: "benchmarkMaxTokens", Type: "int", Description: "Default max tokens per benchmark call"},
		{Name: "benchmarkSerial", Type: "bool", Description: "Run benchmark calls sequentially by default"},
		{Name: "responseCacheTtlSeconds", Type: "int", Description: "TTL for cached simple-mode responses; 0 disables"},
	}
	for i := range fields {
		fields[i].RestartRequired = restart[fields[i].Name]
	}
	return Schema{Fields: fields}
}
