package db

// Session is one CLI run against a workspace.
type Session struct {
	SessionID  string `gorm:"column:session_id;primaryKey"`
	Workspace  string `gorm:"column:workspace;not null;default:''"`
	Mode       string `gorm:"column:mode;not null;default:'code'"`
	Extension  string `gorm:"column:extension;not null;default:''"`
	Auto       bool   `gorm:"column:auto;not null;default:false"`
	StartedAt  int64  `gorm:"column:started_at;not null;default:0"`
	EndedAt    int64  `gorm:"column:ended_at;not null;default:0"`
	ExitCode   int    `gorm:"column:exit_code;not null;default:0"`
	ExitReason string `gorm:"column:exit_reason;not null;default:''"`
}

func (Session) TableName() string { return "sessions" }

// BridgeEvent is one envelope observed by the bridge logging hook.
type BridgeEvent struct {
	ID            int64  `gorm:"column:id;primaryKey;autoIncrement"`
	SessionID     string `gorm:"column:session_id;not null;default:''"`
	Channel       string `gorm:"column:channel;not null;default:''"`
	Kind          string `gorm:"column:kind;not null;default:''"`
	MessageID     string `gorm:"column:message_id;not null;default:''"`
	CorrelationID string `gorm:"column:correlation_id;not null;default:''"`
	MessageType   string `gorm:"column:message_type;not null;default:''"`
	Payload       string `gorm:"column:payload;not null;default:''"`
	ErrorCode     string `gorm:"column:error_code;not null;default:''"`
	CreatedAt     int64  `gorm:"column:created_at;not null;default:0"`
}

func (BridgeEvent) TableName() string { return "bridge_events" }

type WorkspaceHistory struct {
	Path            string `gorm:"column:path;primaryKey"`
	FirstAccessedAt int64  `gorm:"column:first_accessed_at;not null"`
	LastAccessedAt  int64  `gorm:"column:last_accessed_at;not null"`
	AccessCount     int    `gorm:"column:access_count;not null"`
}

func (WorkspaceHistory) TableName() string { return "workspace_history" }

// Secret holds an AES-GCM sealed value, base64 encoded.
type Secret struct {
	Key       string `gorm:"column:key;primaryKey"`
	Value     string `gorm:"column:value;not null;default:''"`
	UpdatedAt int64  `gorm:"column:updated_at;not null;default:0"`
}

func (Secret) TableName() string { return "secrets" }
