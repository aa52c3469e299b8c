package protocol

// ClientCapabilities is the capability set a client declares during
// initialize. Presence of a field is the capability; a nil
// pointer means "not declared".
type ClientCapabilities struct {
	Roots        *RootsCapability        `json:"roots,omitempty"`
	Sampling     *struct{}               `json:"sampling,omitempty"`
	Elicitation  *ElicitationCapability  `json:"elicitation,omitempty"`
	Tasks        *TasksCapability        `json:"tasks,omitempty"`
	Experimental map[string]any          `json:"experimental,omitempty"`
}

// RootsCapability declares client support for the roots/list family.
type RootsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ElicitationCapability declares client support for server-initiated
// elicitation requests.
type ElicitationCapability struct {
	SchemaValidation bool `json:"schemaValidation,omitempty"`
	Form             bool `json:"form,omitempty"`
	URL              bool `json:"url,omitempty"`
}

// TasksCapability is the provisional MCP-Tasks capability
// Question 2). Its wire contract is not frozen upstream; this runtime only
// advertises/accepts it when ServerConfig.EnableTasksCapability is set.
type TasksCapability struct {
	Requests bool `json:"requests,omitempty"`
	List     bool `json:"list,omitempty"`
	Cancel   bool `json:"cancel,omitempty"`
}

// ServerCapabilities is the mirrored structure the server declares.
type ServerCapabilities struct {
	Tools        *ToolsCapability     `json:"tools,omitempty"`
	Resources    *ResourcesCapability `json:"resources,omitempty"`
	Prompts      *PromptsCapability   `json:"prompts,omitempty"`
	Logging      *struct{}            `json:"logging,omitempty"`
	Completions  *struct{}            `json:"completions,omitempty"`
	Tasks        *TasksCapability     `json:"tasks,omitempty"`
	Experimental map[string]any       `json:"experimental,omitempty"`
}

// ToolsCapability declares server support for tools/list and whether
// notifications/tools/list_changed will be emitted.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ResourcesCapability declares resource support: list-changed notification
// and per-resource subscribe/unsubscribe.
type ResourcesCapability struct {
	Subscribe   bool `json:"subscribe,omitempty"`
	ListChanged bool `json:"listChanged,omitempty"`
}

// PromptsCapability declares prompt support.
type PromptsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// Gate is a predicate evaluated against a declared capability set; it
// answers "did the peer advertise what this method requires".
type Gate func(client *ClientCapabilities, server *ServerCapabilities) bool

// AlwaysAllowed is the gate for methods with no capability requirement
// (initialize, ping, tools/call when tools are always on, etc.)
func AlwaysAllowed(*ClientCapabilities, *ServerCapabilities) bool { return true }

// RequireServerResourceSubscribe gates resources/subscribe and
// resources/unsubscribe.
func RequireServerResourceSubscribe(_ *ClientCapabilities, s *ServerCapabilities) bool {
	return s != nil && s.Resources != nil && s.Resources.Subscribe
}

// RequireClientRoots gates server-initiated roots/list requests.
func RequireClientRoots(c *ClientCapabilities, _ *ServerCapabilities) bool {
	return c != nil && c.Roots != nil
}

// RequireClientSampling gates server-initiated sampling/createMessage
// requests.
func RequireClientSampling(c *ClientCapabilities, _ *ServerCapabilities) bool {
	return c != nil && c.Sampling != nil
}

// RequireClientElicitation gates server-initiated elicitation/create
// requests.
func RequireClientElicitation(c *ClientCapabilities, _ *ServerCapabilities) bool {
	return c != nil && c.Elicitation != nil
}

// RequireTasks gates the provisional tasks/* method family on both sides
// having declared it.
func RequireTasks(c *ClientCapabilities, s *ServerCapabilities) bool {
	return c != nil && c.Tasks != nil && s != nil && s.Tasks != nil
}
