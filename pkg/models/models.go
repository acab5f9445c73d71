// Package models defines the shared data types for the Mailsense triage core:
// queue items, complexity assessments, routing decisions, analyzer outputs,
// consensus decisions, and the attempt history persisted alongside each item.
package models

import (
	"time"
)

// ── Priority ─────────────────────────────────────────────────

// Priority orders queue items for claiming. Urgent > High > Medium > Low.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank returns the numeric ordering of a priority; higher claims first.
// Unknown values rank below Low so malformed hints never jump the queue.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// ParsePriority maps an advisory priority hint to a Priority.
// Unrecognized hints fall back to Medium.
func ParsePriority(s string) Priority {
	switch Priority(s) {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return Priority(s)
	default:
		return PriorityMedium
	}
}

// ── Queue Item ───────────────────────────────────────────────

type QueueStatus string

const (
	StatusPending        QueueStatus = "pending"
	StatusProcessing     QueueStatus = "processing"
	StatusRequiresReview QueueStatus = "requires_review"
	StatusApproved       QueueStatus = "approved"
	StatusRejected       QueueStatus = "rejected"
	StatusCompleted      QueueStatus = "completed"
	StatusFailed         QueueStatus = "failed"
)

// Terminal reports whether a status ends the item's lifecycle.
func (s QueueStatus) Terminal() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// QueueItem is the unit of work: exactly one per inbound message.
//
// While Status is processing the item carries a lease (ClaimedBy +
// LeaseExpiresAt); at most one worker holds a non-expired lease. A crashed
// worker's item becomes claimable again once the lease expires — lease
// expiry is the sole crash-recovery mechanism.
type QueueItem struct {
	ID              string      `json:"id"`
	SourceMessageID string      `json:"source_message_id"`
	OrgID           string      `json:"org_id"`
	Subject         string      `json:"subject,omitempty"`
	Body            string      `json:"body"`
	Sender          string      `json:"sender,omitempty"`
	Priority        Priority    `json:"priority"`
	Status          QueueStatus `json:"status"`
	Attempts        int         `json:"attempts"`
	LastError       string      `json:"last_error,omitempty"`

	// Lease fields — set only while Status is processing.
	ClaimedBy      string     `json:"claimed_by,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`

	// NotBefore delays re-claiming after a failed attempt (exponential backoff).
	NotBefore *time.Time `json:"not_before,omitempty"`

	// Review fields — set only while Status is requires_review.
	AssignedReviewer string     `json:"assigned_reviewer,omitempty"`
	DueAt            *time.Time `json:"due_at,omitempty"`

	// OriginalItemID links a corrective re-enqueue back to the rejected item.
	OriginalItemID string `json:"original_item_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ── Model Tiers ──────────────────────────────────────────────

// ModelTier is a cost/capability class of language-model invocation.
type ModelTier string

const (
	TierEconomy  ModelTier = "economy"
	TierStandard ModelTier = "standard"
	TierPremium  ModelTier = "premium"
)

// Demote returns the next cheaper tier, or Economy at the floor.
func (t ModelTier) Demote() ModelTier {
	switch t {
	case TierPremium:
		return TierStandard
	default:
		return TierEconomy
	}
}

// ── Complexity Assessment ────────────────────────────────────

// ComplexityAssessment is produced once per attempt by the classifier.
// Scores are in [0,10]; CompositeScore combines them with fixed weights
// (pattern 0.40, linguistic 0.35, context 0.25). ForcedTier, when set,
// always wins over the composite-derived tier.
type ComplexityAssessment struct {
	PatternScore    float64   `json:"pattern_score"`
	LinguisticScore float64   `json:"linguistic_score"`
	ContextScore    float64   `json:"context_score"`
	CompositeScore  float64   `json:"composite_score"`
	ForcedTier      ModelTier `json:"forced_tier,omitempty"`
	Signals         []string  `json:"signals,omitempty"`
}

// PreferenceSnapshot carries per-org classification preferences, injected
// into the classifier by the caller and refreshed on a defined cadence.
// Classification stays a pure function of its inputs.
type PreferenceSnapshot struct {
	OrgID string `json:"org_id"`

	// DomainVocabulary augments the built-in technical vocabulary.
	DomainVocabulary []string `json:"domain_vocabulary,omitempty"`

	// EscalationKeywords augments the built-in external-system indicators.
	EscalationKeywords []string `json:"escalation_keywords,omitempty"`

	TakenAt time.Time `json:"taken_at"`
}

// ConversationTurn is one prior message in the same thread, used by the
// context score so a simple follow-up to a complex thread inherits some
// of that complexity.
type ConversationTurn struct {
	Composite float64   `json:"composite"`
	At        time.Time `json:"at"`
}

// ── Routing Decision ─────────────────────────────────────────

// RouteSource records how a tier was chosen, so overrides and learned
// adjustments can be told apart from algorithmic selection downstream.
type RouteSource string

const (
	RouteAlgorithmic RouteSource = "algorithmic"
	RouteForced      RouteSource = "forced"
	RouteOverride    RouteSource = "override"
)

// RoutingDecision is created once per attempt, immutable after creation.
type RoutingDecision struct {
	ID              string      `json:"id"`
	ItemID          string      `json:"item_id"`
	AttemptID       string      `json:"attempt_id"`
	Tier            ModelTier   `json:"tier"`
	Source          RouteSource `json:"source"`
	EstimatedTokens int64       `json:"estimated_tokens"`
	EstimatedCost   float64     `json:"estimated_cost"`
	TokensUsed      int64       `json:"tokens_used"`
	BiasApplied     float64     `json:"bias_applied,omitempty"`
	Reasoning       []string    `json:"reasoning"`
	CreatedAt       time.Time   `json:"created_at"`
}

// ── Verdicts ─────────────────────────────────────────────────

// VerdictCategory tags the closed verdict union.
type VerdictCategory string

const (
	CategorySupport      VerdictCategory = "support"
	CategorySales        VerdictCategory = "sales"
	CategoryDispute      VerdictCategory = "dispute"
	CategoryRelationship VerdictCategory = "relationship"
	CategoryOpportunity  VerdictCategory = "opportunity"
	CategoryGeneral      VerdictCategory = "general"
)

type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyMedium Urgency = "medium"
	UrgencyHigh   Urgency = "high"
)

// Verdict is a closed tagged union keyed by Category. Exactly the variant
// matching Category is populated; the rest stay nil.
type Verdict struct {
	Category VerdictCategory `json:"category"`
	Urgency  Urgency         `json:"urgency"`
	Action   string          `json:"action,omitempty"`

	// Escalate forces human review regardless of consensus support.
	Escalate bool `json:"escalate,omitempty"`

	Support      *SupportVerdict      `json:"support,omitempty"`
	Sales        *SalesVerdict        `json:"sales,omitempty"`
	Dispute      *DisputeVerdict      `json:"dispute,omitempty"`
	Relationship *RelationshipVerdict `json:"relationship,omitempty"`
	Opportunity  *OpportunityVerdict  `json:"opportunity,omitempty"`
}

// SupportVerdict covers product and service inquiries.
type SupportVerdict struct {
	Topic         string `json:"topic,omitempty"` // e.g. "product-inquiry"
	SKU           string `json:"sku,omitempty"`
	NeedsLiveData bool   `json:"needs_live_data,omitempty"`
}

// SalesVerdict covers purchase intent.
type SalesVerdict struct {
	Stage       string  `json:"stage,omitempty"` // prospecting, negotiating, closing
	DealSizeUSD float64 `json:"deal_size_usd,omitempty"`
}

// DisputeVerdict covers billing disagreements and complaints.
type DisputeVerdict struct {
	AmountUSD float64 `json:"amount_usd,omitempty"`
	Reason    string  `json:"reason,omitempty"`
}

// RelationshipVerdict carries the sender-warmth signal peers consult.
type RelationshipVerdict struct {
	Warmth float64 `json:"warmth"` // [0,1]
}

// OpportunityVerdict flags upsell/cross-sell signals.
type OpportunityVerdict struct {
	Signal string `json:"signal,omitempty"`
}

// Key returns the grouping key used by consensus: the category plus the
// support topic when present, so "support/product-inquiry" and
// "support/how-to" count as distinct positions.
func (v Verdict) Key() string {
	if v.Category == CategorySupport && v.Support != nil && v.Support.Topic != "" {
		return string(v.Category) + "/" + v.Support.Topic
	}
	return string(v.Category)
}

// ── Agent Analyses ───────────────────────────────────────────

// AnalyzerKind identifies a specialized reasoning unit.
type AnalyzerKind string

const (
	AnalyzerSales        AnalyzerKind = "sales"
	AnalyzerSupport      AnalyzerKind = "support"
	AnalyzerDispute      AnalyzerKind = "dispute"
	AnalyzerRelationship AnalyzerKind = "relationship"
	AnalyzerOpportunity  AnalyzerKind = "opportunity"
)

// EscalationPrivilege reports whether this analyzer kind wins consensus
// ties. Dispute verdicts are costlier to miss than to over-flag.
func (k AnalyzerKind) EscalationPrivilege() bool {
	return k == AnalyzerDispute
}

// AgentAnalysis is one analyzer's output for one attempt. Owned by the
// attempt; only the compact Summary survives into persisted history.
type AgentAnalysis struct {
	Kind       AnalyzerKind `json:"kind"`
	Verdict    Verdict      `json:"verdict"`
	Confidence float64      `json:"confidence"` // [0,1]
	Summary    string       `json:"summary,omitempty"`
	TokensUsed int64        `json:"tokens_used"`
	LatencyMs  int64        `json:"latency_ms"`
}

// AnalysisSummary is the compact audit form retained in attempt history.
type AnalysisSummary struct {
	Kind       AnalyzerKind    `json:"kind"`
	Category   VerdictCategory `json:"category"`
	Key        string          `json:"key"`
	Confidence float64         `json:"confidence"`
	Escalate   bool            `json:"escalate,omitempty"`
	TimedOut   bool            `json:"timed_out,omitempty"`
}

// Summarize collapses a full analysis into its audit summary.
func (a AgentAnalysis) Summarize() AnalysisSummary {
	return AnalysisSummary{
		Kind:       a.Kind,
		Category:   a.Verdict.Category,
		Key:        a.Verdict.Key(),
		Confidence: a.Confidence,
		Escalate:   a.Verdict.Escalate,
	}
}

// ── Consensus Decision ───────────────────────────────────────

// ConsensusDecision is the attempt's final output: immutable, created once
// per attempt, and deterministic for a given analysis list.
type ConsensusDecision struct {
	SupportLevel        float64  `json:"support_level"` // [0,1]
	FinalVerdict        Verdict  `json:"final_verdict"`
	RequiresHumanReview bool     `json:"requires_human_review"`
	Reasons             []string `json:"reasons,omitempty"`
}

// ── Attempt History ──────────────────────────────────────────

// AttemptRecord is the append-only per-attempt row: the routing decision,
// compact analysis summaries, and the consensus decision.
type AttemptRecord struct {
	ID         string               `json:"id"`
	ItemID     string               `json:"item_id"`
	Number     int                  `json:"number"`
	Assessment ComplexityAssessment `json:"assessment"`
	Routing    RoutingDecision      `json:"routing"`
	Analyses   []AnalysisSummary    `json:"analyses,omitempty"`
	Consensus  *ConsensusDecision   `json:"consensus,omitempty"`
	Error      string               `json:"error,omitempty"`
	StartedAt  time.Time            `json:"started_at"`
	FinishedAt time.Time            `json:"finished_at"`
}

// ── Review ───────────────────────────────────────────────────

// ReviewDecision records a human reviewer's resolution of a flagged item.
type ReviewDecision struct {
	ItemID          string    `json:"item_id"`
	ReviewerID      string    `json:"reviewer_id"`
	Approve         bool      `json:"approve"`
	OverrideVerdict *Verdict  `json:"override_verdict,omitempty"`
	Comments        string    `json:"comments,omitempty"`
	ResolvedAt      time.Time `json:"resolved_at"`
}

// ReviewFilter narrows ListRequiringReview.
type ReviewFilter struct {
	OrgID    string
	Reviewer string
	PastDue  bool
	Limit    int
}

// ── Feedback / Learning ──────────────────────────────────────

// ComplexityBand buckets composite scores for the learning loop; the
// learner keys its tier-bias adjustments by band so similar assessments
// share a signal.
type ComplexityBand string

const (
	BandLow  ComplexityBand = "low"  // composite <= 3
	BandMid  ComplexityBand = "mid"  // 3 < composite <= 7
	BandHigh ComplexityBand = "high" // composite > 7
)

// BandFor returns the band a composite score falls in.
func BandFor(composite float64) ComplexityBand {
	switch {
	case composite <= 3:
		return BandLow
	case composite <= 7:
		return BandMid
	default:
		return BandHigh
	}
}

// FeedbackRecord is one outcome observation queued for the learner.
type FeedbackRecord struct {
	ItemID     string         `json:"item_id"`
	AttemptID  string         `json:"attempt_id"`
	Band       ComplexityBand `json:"band"`
	Tier       ModelTier      `json:"tier"`
	Kinds      []AnalyzerKind `json:"kinds"`
	Confidence float64        `json:"confidence"`
	Overridden bool           `json:"overridden"`
	Approved   bool           `json:"approved"`
	RecordedAt time.Time      `json:"recorded_at"`
}

// PerformanceStat aggregates outcomes per (analyzer kind, tier).
type PerformanceStat struct {
	Kind          AnalyzerKind `json:"kind"`
	Tier          ModelTier    `json:"tier"`
	Total         int64        `json:"total"`
	Successes     int64        `json:"successes"`
	Overrides     int64        `json:"overrides"`
	AvgConfidence float64      `json:"avg_confidence"`
}

// ── Notifications ────────────────────────────────────────────

// ChannelKind identifies a notification channel driver.
type ChannelKind string

const (
	ChannelWebhook ChannelKind = "webhook"
)

// NotificationChannel is a registered outbound destination for triage events.
type NotificationChannel struct {
	Name      string                 `json:"name"`
	OrgID     string                 `json:"org_id"`
	Kind      ChannelKind            `json:"kind"`
	URL       string                 `json:"url,omitempty"`
	Secret    string                 `json:"secret,omitempty"`
	Events    []string               `json:"events,omitempty"` // empty = all
	Config    map[string]interface{} `json:"config,omitempty"`
	Active    bool                   `json:"active"`
	CreatedAt time.Time              `json:"created_at"`
}

// ── Provider Types ───────────────────────────────────────────

// ProviderBinding ties a model tier to a concrete provider endpoint.
type ProviderBinding struct {
	Kind     string `json:"kind"` // openai, anthropic, ollama
	Model    string `json:"model"`
	Endpoint string `json:"endpoint,omitempty"`
	APIKey   string `json:"-"`
}

// GenerateRequest is a single model invocation.
type GenerateRequest struct {
	Prompt    string    `json:"prompt"`
	Tier      ModelTier `json:"tier"`
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
}

// GenerateResponse carries the model output and token accounting.
type GenerateResponse struct {
	Text       string `json:"text"`
	TokensUsed int64  `json:"tokens_used"`
	Model      string `json:"model"`
	Provider   string `json:"provider"`
	LatencyMs  int64  `json:"latency_ms"`
}

// ProviderError classifies provider failures. Transient errors are
// retryable (with a single tier demotion); permanent errors fail the
// attempt immediately.
type ProviderError struct {
	Provider  string
	Status    int
	Message   string
	Transient bool
}

func (e *ProviderError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return "provider " + e.Provider + ": " + kind + ": " + e.Message
}
