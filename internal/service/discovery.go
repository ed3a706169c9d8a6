package service

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/dlorp/synapse-engine/internal/domain/model"
)

// Filename templates tried in order, most specific first. They share the
// named groups family, size and suffix; only the first captures version,
// and only the first two capture quant. A file that matches none still
// registers, classified as family "unknown".
var filenameTemplates = []*regexp.Regexp{
	// family-version-size-suffix-quant, e.g. qwen2.5-14b-instruct-q4_k_m.gguf
	// with an explicit version component: deepseek-r1-8b-q4_k_m.gguf
	regexp.MustCompile(`(?i)^(?P<family>[a-z][a-z0-9_.-]*?)[-_.](?P<version>r\d+|o\d+|v?\d+(?:\.\d+)+)[-_.](?:distill[-_.][a-z0-9.]+[-_.])?(?P<size>\d+(?:\.\d+)?)b[-_.](?P<suffix>[a-z0-9_.-]*?)[-_.]?(?P<quant>i?q\d(?:_[a-z0-9]+)*|f(?:p)?(?:16|32))\.gguf$`),
	// family-size-suffix-quant, no version, e.g. llama-8b-instruct.Q5_K_M.gguf
	regexp.MustCompile(`(?i)^(?P<family>[a-z][a-z0-9_.-]*?)[-_.](?P<size>\d+(?:\.\d+)?)b[-_.]?(?P<suffix>[a-z0-9_.-]*?)[-_.]?(?P<quant>i?q\d(?:_[a-z0-9]+)*|f(?:p)?(?:16|32))\.gguf$`),
	// family with optional size, quantization missing.
	regexp.MustCompile(`(?i)^(?P<family>[a-z][a-z0-9_.-]*?)(?:[-_.](?P<size>\d+(?:\.\d+)?)b(?P<suffix>[-_.][a-z0-9_.-]*)?)?\.gguf$`),
}

var thinkingTokens = []string{"r1", "o1", "thinking"}
var coderTokens = []string{"coder", "code"}
var instructTokens = []string{"instruct", "chat"}

// parsedFile is the raw extraction from one model filename.
type parsedFile struct {
	Family       string
	Version      string
	SizeParams   float64
	Quantization model.Quantization
	IsThinking   bool
	IsCoder      bool
	IsInstruct   bool
}

// parseFilename runs the templates in order and returns the first match.
// Unmatched filenames yield family "unknown" so every file registers.
func parseFilename(name string) parsedFile {
	base := filepath.Base(name)
	lower := strings.ToLower(base)

	p := parsedFile{
		Family:       "unknown",
		Quantization: model.QuantUnknown,
		IsThinking:   containsToken(lower, thinkingTokens),
		IsCoder:      containsToken(lower, coderTokens),
		IsInstruct:   containsToken(lower, instructTokens),
	}

	for _, re := range filenameTemplates {
		m := re.FindStringSubmatch(base)
		if m == nil {
			continue
		}
		for i, group := range re.SubexpNames() {
			if i == 0 || i >= len(m) || m[i] == "" {
				continue
			}
			switch group {
			case "family":
				p.Family = normalizeFamily(m[i])
			case "version":
				p.Version = strings.ToLower(m[i])
			case "size":
				if f, err := strconv.ParseFloat(m[i], 64); err == nil {
					p.SizeParams = f
				}
			case "quant":
				p.Quantization = model.ParseQuantization(m[i])
			}
		}
		break
	}
	return p
}

// containsToken matches whole filename tokens only, so "or1on" does not
// read as a thinking model while "deepseek-r1-8b" does.
func containsToken(lower string, tokens []string) bool {
	parts := strings.FieldsFunc(lower, func(r rune) bool {
		return r == '-' || r == '_' || r == '.'
	})
	for _, part := range parts {
		for _, tok := range tokens {
			if part == tok {
				return true
			}
		}
	}
	return false
}

func normalizeFamily(s string) string {
	s = strings.ToLower(strings.Trim(s, "-_."))
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), "_")
	if out == "" {
		return "unknown"
	}
	return out
}

// assignTier implements the automatic tier rules: thinking models and
// anything at or above the powerful threshold are powerful; small
// low-bit quants are fast; everything else is balanced.
func assignTier(p parsedFile, thinking bool, t model.TierThresholds) model.Tier {
	if thinking || (p.SizeParams > 0 && p.SizeParams >= t.PowerfulMin) {
		return model.TierPowerful
	}
	if p.SizeParams > 0 && p.SizeParams < t.FastMax && p.Quantization.IsLowBit() {
		return model.TierFast
	}
	return model.TierBalanced
}

// modelID derives the stable identifier from family, size, quantization
// and assigned tier, e.g. deepseek_r1_8b_q4km_powerful.
func modelID(p parsedFile, tier model.Tier) string {
	parts := []string{p.Family}
	if p.Version != "" && !strings.Contains(p.Family, p.Version) {
		parts = append(parts, strings.ReplaceAll(p.Version, ".", "_"))
	}
	if p.SizeParams > 0 {
		parts = append(parts, formatSize(p.SizeParams)+"b")
	}
	if p.Quantization != model.QuantUnknown {
		parts = append(parts, strings.ReplaceAll(string(p.Quantization), "_", ""))
	}
	parts = append(parts, string(tier))
	return strings.Join(parts, "_")
}

func formatSize(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strings.ReplaceAll(strconv.FormatFloat(f, 'f', -1, 64), ".", "_")
}

// displayName renders the friendly per-model label used in breakdowns,
// e.g. "Deepseek R1 8B Q4_K_M".
func displayName(p parsedFile) string {
	words := strings.Split(p.Family, "_")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	name := strings.Join(words, " ")
	if p.Version != "" && !strings.Contains(p.Family, p.Version) {
		name += " " + strings.ToUpper(p.Version)
	}
	if p.SizeParams > 0 {
		name += " " + formatSize(p.SizeParams) + "B"
	}
	if p.Quantization != model.QuantUnknown {
		name += " " + strings.ToUpper(string(p.Quantization))
	}
	return name
}

// discoverModels walks scanPath for .gguf files and parses each into a
// Model with ports unassigned. Duplicate ids tie-break deterministically
// by file size, then path.
func discoverModels(fsys fs.FS, scanPath string, thresholds model.TierThresholds) (map[string]*model.Model, error) {
	type candidate struct {
		m    *model.Model
		size int64
	}
	found := make(map[string]candidate)

	err := fs.WalkDir(fsys, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // skip unreadable entries
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".gguf") {
			return nil
		}

		p := parseFilename(path)
		tier := assignTier(p, p.IsThinking, thresholds)
		id := modelID(p, tier)

		var size int64
		if info, ierr := d.Info(); ierr == nil {
			size = info.Size()
		}

		abs := filepath.Join(scanPath, filepath.FromSlash(path))
		m := &model.Model{
			ID:           id,
			Path:         abs,
			DisplayName:  displayName(p),
			Family:       p.Family,
			Version:      p.Version,
			SizeParams:   p.SizeParams,
			Quantization: p.Quantization,
			IsThinking:   p.IsThinking,
			IsCoder:      p.IsCoder,
			IsInstruct:   p.IsInstruct,
			AssignedTier: tier,
			SizeBytes:    size,
		}

		if prev, ok := found[id]; ok {
			if prev.size > size || (prev.size == size && prev.m.Path <= abs) {
				return nil
			}
		}
		found[id] = candidate{m: m, size: size}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", scanPath, err)
	}

	models := make(map[string]*model.Model, len(found))
	for id, c := range found {
		models[id] = c.m
	}
	return models, nil
}

// allocatePorts assigns the first unused port in the range to each model
// lacking one, iterating models in id order for reproducibility.
func allocatePorts(models map[string]*model.Model, r model.PortRange) error {
	used := make(map[int]bool)
	for _, m := range models {
		if m.Port != 0 {
			used[m.Port] = true
		}
	}

	ids := make([]string, 0, len(models))
	for id, m := range models {
		if m.Port == 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	next := r.Start
	for _, id := range ids {
		for next <= r.End && used[next] {
			next++
		}
		if next > r.End {
			return fmt.Errorf("port range %d-%d exhausted at model %s", r.Start, r.End, id)
		}
		models[id].Port = next
		used[next] = true
	}
	return nil
}
