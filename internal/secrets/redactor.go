package secrets

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/zricethezav/gitleaks/v8/detect"
	"go.uber.org/zap"
)

var redactionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "patternd_secrets_redactions_total",
		Help: "Secrets redacted from stored feedback text, by Gitleaks rule",
	},
	[]string{"rule"},
)

// Config controls redaction.
type Config struct {
	Enabled bool

	// AllowlistFile is an optional TOML allowlist. Empty skips it.
	AllowlistFile string
}

// Redactor replaces secrets in text with [REDACTED:rule-id] markers.
// A disabled or nil Redactor returns text unchanged.
type Redactor struct {
	// The Gitleaks detector is built once; the mutex serializes scans since
	// the detector keeps per-scan state.
	mu       sync.Mutex
	detector *detect.Detector
	logger   *zap.Logger
}

// NewRedactor builds a Redactor from the Gitleaks default rule set plus the
// configured allowlist. It returns nil, nil when redaction is disabled.
func NewRedactor(cfg Config, logger *zap.Logger) (*Redactor, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("creating gitleaks detector: %w", err)
	}

	if cfg.AllowlistFile != "" {
		allow, err := LoadAllowlist(cfg.AllowlistFile)
		if err != nil {
			return nil, err
		}
		if err := allow.apply(&detector.Config); err != nil {
			return nil, err
		}
		logger.Info("loaded secret allowlist",
			zap.String("path", cfg.AllowlistFile),
			zap.Int("regexes", len(allow.Regexes)))
	}

	return &Redactor{detector: detector, logger: logger}, nil
}

// Redaction is one replaced secret.
type Redaction struct {
	RuleID string
	Length int
}

// Redact returns text with every detected secret replaced, and what was
// replaced. Longer secrets are replaced first so a secret that contains
// another is not split.
func (r *Redactor) Redact(text string) (string, []Redaction) {
	if r == nil || text == "" {
		return text, nil
	}

	r.mu.Lock()
	findings := r.detector.DetectString(text)
	r.mu.Unlock()
	if len(findings) == 0 {
		return text, nil
	}

	sort.SliceStable(findings, func(i, j int) bool {
		return len(findings[i].Secret) > len(findings[j].Secret)
	})

	var redactions []Redaction
	for _, f := range findings {
		if f.Secret == "" || !strings.Contains(text, f.Secret) {
			continue
		}
		text = strings.ReplaceAll(text, f.Secret, "[REDACTED:"+f.RuleID+"]")
		redactions = append(redactions, Redaction{RuleID: f.RuleID, Length: len(f.Secret)})
		redactionsTotal.WithLabelValues(f.RuleID).Inc()
	}
	return text, redactions
}
