package recovery

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"buildforge/internal/logging"
	"buildforge/internal/metrics"

	"go.uber.org/zap"
)

// QuickFixer applies deterministic, bounded repairs to a build workspace.
// Each strategy either fixes one known failure shape or reports that it
// could not; nothing here retries the build itself.
type QuickFixer struct {
	workDir string
}

func NewQuickFixer(workDir string) *QuickFixer {
	return &QuickFixer{workDir: workDir}
}

// Apply runs the strategy named by a classification. Returns true when the
// workspace was changed and a rebuild is worth attempting.
func (q *QuickFixer) Apply(strategy string, ec ErrorContext) bool {
	var fixed bool
	switch strategy {
	case StrategyHealJSON:
		fixed = q.healMalformedJSON(ec)
	case StrategyResolveDepConflict:
		fixed = q.resolveDependencyConflict()
	case StrategyInsertBundlerPlugin:
		fixed = q.insertBundlerPlugin(ec)
	case StrategyRetry:
		// Nothing to change; transient failures heal on rebuild.
		fixed = true
	default:
		return false
	}

	outcome := "failed"
	if fixed {
		outcome = "applied"
	}
	metrics.Get().QuickFixesTotal.WithLabelValues(strategy, outcome).Inc()
	return fixed
}

var jsonFilePattern = regexp.MustCompile(`([\w./-]+\.json)`)

// healMalformedJSON repairs the common shapes of generator-truncated JSON:
// trailing commas and unbalanced braces in a file the error names.
func (q *QuickFixer) healMalformedJSON(ec ErrorContext) bool {
	m := jsonFilePattern.FindString(ec.Message + " " + ec.Output)
	if m == "" {
		m = "package.json"
	}
	path := filepath.Join(q.workDir, filepath.Clean(m))
	raw, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	if json.Valid(raw) {
		return false
	}

	healed := healJSONBytes(raw)
	if healed == nil {
		logging.L().Debug("json heal could not produce a valid document", zap.String("file", m))
		return false
	}
	if err := os.WriteFile(path, healed, 0o644); err != nil {
		return false
	}
	logging.L().Info("healed malformed json", zap.String("file", m))
	return true
}

var trailingComma = regexp.MustCompile(`,(\s*[}\]])`)

func healJSONBytes(raw []byte) []byte {
	s := strings.TrimRight(string(raw), " \t\r\n")
	s = trailingComma.ReplaceAllString(s, "$1")

	// Close delimiters truncated off the end of the document, innermost
	// first. String-aware so braces inside values do not confuse the stack.
	var stack []byte
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, c)
		case '}', ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}
	if inString {
		s += `"`
	}
	s = strings.TrimSuffix(s, ",")
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			s += "}"
		} else {
			s += "]"
		}
	}

	if !json.Valid([]byte(s)) {
		return nil
	}
	return []byte(s)
}

// resolveDependencyConflict pins npm to legacy peer-dependency resolution,
// which clears the ERESOLVE class of install failures.
func (q *QuickFixer) resolveDependencyConflict() bool {
	path := filepath.Join(q.workDir, ".npmrc")
	existing, _ := os.ReadFile(path)
	if strings.Contains(string(existing), "legacy-peer-deps") {
		return false
	}
	content := string(existing)
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	content += "legacy-peer-deps=true\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return false
	}
	logging.L().Info("enabled legacy peer dependency resolution")
	return true
}

var pluginNamePattern = regexp.MustCompile(`(?:cannot find plugin|failed to load plugin)\s+['"]?([@\w/-]+)`)

// insertBundlerPlugin adds a plugin the bundler reported missing to the
// project's dev dependencies so the next install pass pulls it in.
func (q *QuickFixer) insertBundlerPlugin(ec ErrorContext) bool {
	m := pluginNamePattern.FindStringSubmatch(strings.ToLower(ec.Message + " " + ec.Output))
	if len(m) < 2 {
		return false
	}
	plugin := m[1]

	path := filepath.Join(q.workDir, "package.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	var pkg map[string]any
	if err := json.Unmarshal(raw, &pkg); err != nil {
		return false
	}
	dev, _ := pkg["devDependencies"].(map[string]any)
	if dev == nil {
		dev = make(map[string]any)
	}
	if _, present := dev[plugin]; present {
		return false
	}
	dev[plugin] = "latest"
	pkg["devDependencies"] = dev

	out, err := json.MarshalIndent(pkg, "", "  ")
	if err != nil {
		return false
	}
	if err := os.WriteFile(path, append(out, '\n'), 0o644); err != nil {
		return false
	}
	logging.L().Info("inserted missing bundler plugin", zap.String("plugin", plugin))
	return true
}
