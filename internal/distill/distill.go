// Package distill compresses a resolved reasoning context under a token
// budget while keeping the highest-priority contributions.
package distill

import (
	"log/slog"
	"sort"
	"unicode/utf8"

	"github.com/loomstudio/canvas-engine/internal/metrics"
	"github.com/loomstudio/canvas-engine/pkg/types"
)

// truncateAt is the compressed length for oversized non-preserved items.
const truncateAt = 500

const truncationMarker = "\n[truncated]"

// Options control a distillation pass.
type Options struct {
	// MaxTokens is the soft budget for the distilled context.
	MaxTokens int

	// PreserveRoles may exceed MaxTokens, up to the overage cap.
	PreserveRoles []types.ContextRole

	// PreservedItemOverage is the hard headroom above MaxTokens that
	// preserved items may occupy.
	PreservedItemOverage int
}

// DefaultOptions returns the engine defaults.
func DefaultOptions() Options {
	return Options{
		MaxTokens:            4000,
		PreserveRoles:        []types.ContextRole{types.RoleInstruction, types.RoleConstraint},
		PreservedItemOverage: 500,
	}
}

// Distiller ranks, truncates and drops context items to fit a budget.
// Distillation is pure apart from diagnostics; safe for concurrent use.
type Distiller struct {
	logger *slog.Logger
}

// New creates a distiller.
func New(logger *slog.Logger) *Distiller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Distiller{logger: logger}
}

// EstimateTokens approximates the token count of a string as ceil(chars/4).
func EstimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// Distill returns a context fitting within opts.MaxTokens (plus the preserved
// overage). Items are ranked by role priority then importance, descending;
// ties keep resolver order. A preserved item that would blow the hard cap is
// skipped with a logged warning, never dropped silently.
func (d *Distiller) Distill(rc types.ReasoningContext, opts Options) types.ReasoningContext {
	if opts.MaxTokens <= 0 {
		opts = DefaultOptions()
	}

	total := 0
	for _, it := range rc.Items {
		total += EstimateTokens(it.Content)
	}
	if total <= opts.MaxTokens {
		rc.TotalTokens = total
		rc.Distilled = false
		return rc
	}

	preserved := make(map[types.ContextRole]bool, len(opts.PreserveRoles))
	for _, r := range opts.PreserveRoles {
		preserved[r] = true
	}

	ranked := make([]types.ContextItem, len(rc.Items))
	copy(ranked, rc.Items)
	sort.SliceStable(ranked, func(i, j int) bool {
		pi, pj := ranked[i].Role.Priority(), ranked[j].Role.Priority()
		if pi != pj {
			return pi > pj
		}
		return ranked[i].Importance > ranked[j].Importance
	})

	hardCap := opts.MaxTokens + opts.PreservedItemOverage
	running := 0
	accepted := make([]types.ContextItem, 0, len(ranked))

	for _, it := range ranked {
		tok := EstimateTokens(it.Content)

		if running+tok <= opts.MaxTokens {
			accepted = append(accepted, it)
			running += tok
			continue
		}

		if preserved[it.Role] {
			if running+tok <= hardCap {
				accepted = append(accepted, it)
				running += tok
				continue
			}
			d.logger.Warn("preserved context item dropped to respect budget cap",
				slog.String("target_node_id", rc.TargetNodeID),
				slog.String("source_node_id", it.SourceNodeID),
				slog.String("role", string(it.Role)),
				slog.Int("item_tokens", tok),
				slog.Int("running_tokens", running),
				slog.Int("hard_cap", hardCap),
			)
			metrics.ContextItemsDropped.WithLabelValues("preserved_overflow").Inc()
			continue
		}

		// Try the item in compressed form before giving up on it.
		if len(it.Content) > truncateAt {
			// Back off to a rune boundary so the cut never leaves a
			// partial multi-byte character behind.
			cut := truncateAt
			for cut > 0 && !utf8.RuneStart(it.Content[cut]) {
				cut--
			}
			it.Content = it.Content[:cut] + truncationMarker
			it.Summarized = true
			tok = EstimateTokens(it.Content)
			if running+tok <= opts.MaxTokens {
				accepted = append(accepted, it)
				running += tok
				metrics.ContextItemsTruncated.Inc()
				continue
			}
		}
		metrics.ContextItemsDropped.WithLabelValues("dropped").Inc()
	}

	metrics.ContextTokens.Observe(float64(running))

	return types.ReasoningContext{
		TargetNodeID: rc.TargetNodeID,
		Items:        accepted,
		TotalTokens:  running,
		Distilled:    true,
	}
}
