package domain

import "time"

type EngagementType string

const (
	EngagementLike     EngagementType = "like"
	EngagementRepost   EngagementType = "repost"
	EngagementComment  EngagementType = "comment"
	EngagementFollow   EngagementType = "follow"
	EngagementBookmark EngagementType = "bookmark"
	EngagementQuote    EngagementType = "quote"
)

// EngagementTypes lists every engagement type in planning order.
var EngagementTypes = []EngagementType{
	EngagementLike,
	EngagementRepost,
	EngagementComment,
	EngagementFollow,
	EngagementBookmark,
	EngagementQuote,
}

func (t EngagementType) Valid() bool {
	switch t {
	case EngagementLike, EngagementRepost, EngagementComment, EngagementFollow, EngagementBookmark, EngagementQuote:
		return true
	}
	return false
}

// NeedsText reports whether executing the engagement requires generated text.
func (t EngagementType) NeedsText() bool {
	return t == EngagementComment || t == EngagementQuote
}

type TargetType string

const (
	TargetPost    TargetType = "Post"
	TargetProject TargetType = "Project"
	TargetUser    TargetType = "User"
	TargetComment TargetType = "Comment"
)

func (t TargetType) Valid() bool {
	switch t {
	case TargetPost, TargetProject, TargetUser, TargetComment:
		return true
	}
	return false
}

type IntentStatus string

const (
	StatusPending   IntentStatus = "pending"
	StatusScheduled IntentStatus = "scheduled"
	StatusExecuted  IntentStatus = "executed"
	StatusFailed    IntentStatus = "failed"
	StatusSkipped   IntentStatus = "skipped"
)

// Open reports whether the status still counts against the one-intent-per-target rule.
func (s IntentStatus) Open() bool {
	return s == StatusPending || s == StatusScheduled || s == StatusExecuted
}

// Due reports whether the dispatcher may pick the intent up.
func (s IntentStatus) Due() bool {
	return s == StatusPending || s == StatusScheduled
}

func (s IntentStatus) Terminal() bool {
	return s == StatusExecuted || s == StatusFailed || s == StatusSkipped
}

type Intensity string

const (
	IntensityLow    Intensity = "low"
	IntensityMedium Intensity = "medium"
	IntensityHigh   Intensity = "high"
)

func (i Intensity) Valid() bool {
	return i == IntensityLow || i == IntensityMedium || i == IntensityHigh
}

type ActivityLevel string

const (
	ActivityHigh   ActivityLevel = "high"
	ActivityMedium ActivityLevel = "medium"
	ActivityLow    ActivityLevel = "low"
)

// EngagementStyle maps an engagement type to the probability a bot accepts it.
type EngagementStyle map[EngagementType]float64

type Bot struct {
	ID                   string          `json:"id"`
	Handle               string          `json:"handle"`
	Persona              Persona         `json:"persona_type"`
	ActivityLevel        ActivityLevel   `json:"activity_level"`
	PreferredHours       []int           `json:"preferred_hours"`
	ActiveDays           []int           `json:"active_days"`
	EngagementStyle      EngagementStyle `json:"engagement_style"`
	DailyEngagementLimit int             `json:"daily_engagement_limit"`
	EngagementsToday     int             `json:"engagements_today"`
	TotalEngagements     int64           `json:"total_engagements"`
	LastEngagedAt        *time.Time      `json:"last_engaged_at,omitempty"`
	IsActive             bool            `json:"is_active"`
	CreatedAt            time.Time       `json:"created_at" format:"date-time"`
	UpdatedAt            time.Time       `json:"updated_at" format:"date-time"`
}

// RemainingQuota is the number of engagements the bot may still execute today.
func (b Bot) RemainingQuota() int {
	if n := b.DailyEngagementLimit - b.EngagementsToday; n > 0 {
		return n
	}
	return 0
}

type Metadata map[string]any

type EngagementIntent struct {
	ID             string         `json:"id"`
	BotID          string         `json:"bot_id"`
	EngagementType EngagementType `json:"engagement_type"`
	TargetType     TargetType     `json:"target_type"`
	TargetID       string         `json:"target_id"`
	ContentID      string         `json:"content_id,omitempty"`
	ScheduledFor   time.Time      `json:"scheduled_for" format:"date-time"`
	ExecutedAt     *time.Time     `json:"executed_at,omitempty" format:"date-time"`
	Status         IntentStatus   `json:"status" enum:"pending,scheduled,executed,failed,skipped"`
	Metadata       Metadata       `json:"metadata,omitempty"`
	ClaimToken     string         `json:"-"`
	ClaimedAt      *time.Time     `json:"claimed_at,omitempty" format:"date-time"`
	CreatedAt      time.Time      `json:"created_at" format:"date-time"`
	UpdatedAt      time.Time      `json:"updated_at" format:"date-time"`
}

// Content is a published item the planner may schedule engagement on.
type Content struct {
	ID        string     `json:"id"`
	Type      TargetType `json:"type" enum:"Post,Project"`
	AuthorID  string     `json:"author_id"`
	CreatedAt time.Time  `json:"created_at" format:"date-time"`
	PlannedAt *time.Time `json:"planned_at,omitempty" format:"date-time"`
}

type CuratedContentBoost struct {
	ContentType          TargetType `json:"content_type"`
	ContentID            string     `json:"content_id"`
	Priority             int        `json:"priority"`
	EngagementMultiplier float64    `json:"engagement_multiplier"`
	ExpiresAt            *time.Time `json:"expires_at,omitempty" format:"date-time"`
	CreatedAt            time.Time  `json:"created_at" format:"date-time"`
}

// Active reports whether the boost applies at now.
func (b CuratedContentBoost) Active(now time.Time) bool {
	return b.ExpiresAt == nil || now.Before(*b.ExpiresAt)
}

// Settings is the operator-controlled snapshot consulted before each run.
type Settings struct {
	Enabled             bool      `json:"enabled" yaml:"enabled"`
	Intensity           Intensity `json:"intensity" yaml:"intensity"`
	BotPostsEnabled     bool      `json:"bot_posts_enabled" yaml:"bot_posts_enabled"`
	BotPostFrequency    int       `json:"bot_post_frequency" yaml:"bot_post_frequency"`
	BotProjectsEnabled  bool      `json:"bot_projects_enabled" yaml:"bot_projects_enabled"`
	BotProjectFrequency int       `json:"bot_project_frequency" yaml:"bot_project_frequency"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
