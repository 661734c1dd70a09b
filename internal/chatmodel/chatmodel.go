// Package chatmodel defines the shared entity types persisted by
// internal/store and passed between the Branch Manager, Prompt
// Assembler, Chat Engine, and Event Bus. It holds no behavior beyond
// small predicates; all mutation lives in the packages that own each
// entity's lifecycle.
package chatmodel

import "time"

// Rating classifies a Character's content intensity.
type Rating string

const (
	RatingSFW       Rating = "sfw"
	RatingNSFW      Rating = "nsfw"
	RatingLimitless Rating = "limitless"
)

// POVType constrains how a Character's dialogue is written.
type POVType string

const (
	POVAny    POVType = "any"
	POVFirst  POVType = "first"
	POVSecond POVType = "second"
	POVThird  POVType = "third"
)

// AuthorType identifies who wrote a Message.
type AuthorType string

const (
	AuthorUser      AuthorType = "user"
	AuthorCharacter AuthorType = "character"
	AuthorSystem    AuthorType = "system"
)

// InsertionPosition controls where a LorebookEntry is placed in the
// assembled prompt.
type InsertionPosition string

const (
	PositionBeforeSystem  InsertionPosition = "before_system"
	PositionAfterSystem   InsertionPosition = "after_system"
	PositionBeforeHistory InsertionPosition = "before_history"
)

// DownloadKind distinguishes a model weights file from the inference
// binary itself.
type DownloadKind string

const (
	DownloadKindBinary DownloadKind = "binary"
	DownloadKindModel  DownloadKind = "model"
)

// DownloadStatus is the lifecycle state of a Download.
type DownloadStatus string

const (
	DownloadPending     DownloadStatus = "pending"
	DownloadDownloading DownloadStatus = "downloading"
	DownloadPaused      DownloadStatus = "paused"
	DownloadCompleted   DownloadStatus = "completed"
	DownloadFailed      DownloadStatus = "failed"
	DownloadCancelled   DownloadStatus = "cancelled"
)

// Character is the identity of a role-play partner. Identity fields
// (ID) are immutable once created; content fields may be edited.
type Character struct {
	ID                 string
	Name               string
	Description        string
	Personality        string
	Scenario           string
	Backstory          string
	SystemPrompt       string // optional override of the assembled tier-0 prompt
	FirstMessage       string
	AlternateGreetings []string
	ExampleDialogues   string // free text with {{user}}/{{char}} placeholders
	PhysicalTraits     string
	SpeechPatterns     string
	Likes              []string
	Dislikes           []string
	Tags               []string
	AvatarRef          string
	Rating             Rating
	POVType            POVType
	IsBundled          bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Persona is the user's self-description, substituted for {{user}}.
type Persona struct {
	ID        string
	Name      string
	Description string
	IsDefault bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Conversation is a chat session bound to one or more characters and
// an optional persona.
type Conversation struct {
	ID                  string
	Title               string
	CharacterIDs        []string // ordered, len>=1; len>1 => group chat
	PersonaID           string   // empty means no persona attached
	ActiveMessageID     string   // leaf of the active branch; empty until first message
	AttachedLorebookIDs []string
	SpeakerCursor       int // round-robin pointer for group chat (§4.8)
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// IsGroupChat reports whether more than one character is bound to the
// conversation.
func (c *Conversation) IsGroupChat() bool { return len(c.CharacterIDs) > 1 }

// Message is a node in a conversation's message DAG.
type Message struct {
	ID               string
	ConversationID   string
	ParentID         string // empty only for the root greeting
	AuthorType       AuthorType
	AuthorID         string // character id when AuthorType == AuthorCharacter
	Content          string
	BranchIndex      int // 0-based among siblings sharing ParentID
	IsActiveBranch   bool
	TokenCount       int
	GenerationParams map[string]any
	StoppedByUser    bool   // §4.4 step 8 cancellation flag
	Error            string // captured sidecar error text, empty if none
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Lorebook is a named collection of world-info entries.
type Lorebook struct {
	ID          string
	Name        string
	Description string
	IsGlobal    bool
	IsEnabled   bool
	Entries     []LorebookEntry
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// LorebookEntry is a single keyword-triggered world-info fragment.
type LorebookEntry struct {
	ID                string
	LorebookID        string
	Name              string
	Keywords          []string
	Content           string
	Priority          int // 0..100, higher considered first
	IsEnabled         bool
	CaseSensitive     bool
	MatchWholeWord    bool
	InsertionPosition InsertionPosition
	TokenBudget       int // 0 means no per-entry cap
}

// Download tracks a resumable file transfer.
type Download struct {
	ID              string
	URL             string
	DestinationPath string
	Kind            DownloadKind
	ExpectedSize    int64 // 0 means unknown
	DownloadedBytes int64
	Status          DownloadStatus
	Checksum        string // hex-encoded blake2b, empty means unverified
	Error           string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Settings is process-wide configuration with lifecycle init-on-first-run.
type Settings struct {
	GenerationTemperature     float64
	GenerationTopP            float64
	GenerationMaxTokens       int
	GenerationContextSize     int
	GenerationSummaryBudget   int
	GenerationMemoryBudget    int
	GenerationLorebookBudget  int
	GenerationExampleBudget   int
	GenerationResponseReserve int
	ModelPath                 string
	ModelGPULayers            int
	AppFirstRun               bool
	AppTheme                  string
}
