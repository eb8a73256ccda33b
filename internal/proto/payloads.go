package proto

// Methods understood by the host itself, independent of the game command set.
const (
	// MethodInitialize is the handshake request sent by the host to a new plugin.
	MethodInitialize = "initialize"

	// MethodLog is a plugin notification carrying a log line for the host log.
	MethodLog = "log"

	// MethodSubscribe adds event kinds to the calling plugin's subscription set.
	MethodSubscribe = "subscribe"

	// MethodUnsubscribe removes event kinds from the calling plugin's subscription set.
	MethodUnsubscribe = "unsubscribe"
)

// InitializeParams contains parameters for the "initialize" method.
type InitializeParams struct {
	ProtocolVersion  string           `json:"protocolVersion"`
	HostCapabilities HostCapabilities `json:"hostCapabilities"`
}

// HostCapabilities tells a plugin what the host can do for it.
type HostCapabilities struct {
	// Commands lists the invocable commands as "name@version".
	Commands []string `json:"commands"`

	// Events lists the event kinds the host may notify.
	Events []string `json:"events"`
}

// InitializeResult is the plugin's answer to "initialize".
type InitializeResult struct {
	ProtocolVersion string   `json:"protocolVersion"`
	PluginName      string   `json:"pluginName"`
	Subscriptions   []string `json:"subscriptions"`
}

// SubscriptionParams contains parameters for "subscribe" and "unsubscribe".
type SubscriptionParams struct {
	Events []string `json:"events"`
}

// SubscriptionResult reports the caller's subscription set after a change.
type SubscriptionResult struct {
	Subscriptions []string `json:"subscriptions"`
}

// Severity is the level attached to a plugin log line.
type Severity string

const (
	SeverityTrace Severity = "Trace"
	SeverityDebug Severity = "Debug"
	SeverityInfo  Severity = "Info"
	SeverityWarn  Severity = "Warn"
	SeverityError Severity = "Error"
)

// LogParams contains parameters for the "log" notification.
type LogParams struct {
	Severity Severity `json:"severity"`
	Content  string   `json:"content"`
}
