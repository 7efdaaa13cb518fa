// Package classifier assigns a RequestType and a risk score to every
// operation the orchestrator intercepts, using name/module/argument/source
// signals, and caches results by a type-only signature so identical call
// shapes classify deterministically without re-running pattern matching.
package classifier

import "time"

// RequestType is the closed enumeration of operation categories COL governs.
type RequestType int

const (
	SystemRead RequestType = iota
	SystemWrite
	SystemExec
	SystemNetwork
	ToolBrowser
	ToolSearch
	ToolMessage
	ToolFile
	CognitiveAnalyze
	CognitiveGenerate
	CognitiveReason
	CognitivePlan
	ExternalAPI
	ExternalSSH
	ExternalDB
	UserQuery
	UserCommand
	UserConversation
	MetaGovernance
	MetaCheckpoint
	MetaUnknown
)

var requestTypeNames = map[RequestType]string{
	SystemRead:        "SYSTEM_READ",
	SystemWrite:       "SYSTEM_WRITE",
	SystemExec:        "SYSTEM_EXEC",
	SystemNetwork:     "SYSTEM_NETWORK",
	ToolBrowser:       "TOOL_BROWSER",
	ToolSearch:        "TOOL_SEARCH",
	ToolMessage:       "TOOL_MESSAGE",
	ToolFile:          "TOOL_FILE",
	CognitiveAnalyze:  "COGNITIVE_ANALYZE",
	CognitiveGenerate: "COGNITIVE_GENERATE",
	CognitiveReason:   "COGNITIVE_REASON",
	CognitivePlan:     "COGNITIVE_PLAN",
	ExternalAPI:       "EXTERNAL_API",
	ExternalSSH:       "EXTERNAL_SSH",
	ExternalDB:        "EXTERNAL_DB",
	UserQuery:         "USER_QUERY",
	UserCommand:       "USER_COMMAND",
	UserConversation:  "USER_CONVERSATION",
	MetaGovernance:    "META_GOVERNANCE",
	MetaCheckpoint:    "META_CHECKPOINT",
	MetaUnknown:       "META_UNKNOWN",
}

func (t RequestType) String() string {
	if s, ok := requestTypeNames[t]; ok {
		return s
	}
	return "META_UNKNOWN"
}

// Result is the outcome of classifying one operation call.
type Result struct {
	RequestType RequestType
	RiskScore   float64
	Confidence  float64
	Features    map[string]interface{}
	Signatures  []string
	Timestamp   time.Time
}
