package parser

// document mirrors the TOML layout of a definition file.
type document struct {
	Sequence  sequenceDoc        `toml:"sequence"`
	Vars      map[string]float64 `toml:"vars"`
	Events    []eventDoc         `toml:"events"`
	Guards    []guardDoc         `toml:"guards"`
	Policies  []policyDoc        `toml:"policies"`
	Resources []resourceDoc      `toml:"resources"`
	Commands  []commandDoc       `toml:"commands"`
}

type sequenceDoc struct {
	Name        string `toml:"name"`
	Description string `toml:"description"`
	Version     string `toml:"version"`
}

type eventDoc struct {
	Name     string                 `toml:"name"`
	Type     string                 `toml:"type"`
	Payload  map[string]interface{} `toml:"payload"`
	Handlers []string               `toml:"handlers"`
}

type guardDoc struct {
	Name         string `toml:"name"`
	Condition    string `toml:"condition"`
	ErrorMessage string `toml:"error_message"`
	Severity     string `toml:"severity"`
}

type policyDoc struct {
	Name  string    `toml:"name"`
	Rules []ruleDoc `toml:"rules"`
}

type ruleDoc struct {
	Name      string `toml:"name"`
	Condition string `toml:"condition"`
	Action    string `toml:"action"`
	Priority  int    `toml:"priority"`
	Event     string `toml:"event"`
}

type resourceDoc struct {
	Name         string            `toml:"name"`
	Type         string            `toml:"type"`
	Available    *bool             `toml:"available"`
	Requirements map[string]string `toml:"requirements"`
}

type commandDoc struct {
	ID            string                 `toml:"id"`
	Type          string                 `toml:"type"`
	Device        string                 `toml:"device"`
	Text          string                 `toml:"text"`
	Timeout       string                 `toml:"timeout"`
	TimeoutMS     *int64                 `toml:"timeout_ms"`
	RetryAttempts int                    `toml:"retry_attempts"`
	Tags          []string               `toml:"tags"`
	Parameters    map[string]interface{} `toml:"parameters"`
	Conditions    []conditionDoc         `toml:"conditions"`
}

type conditionDoc struct {
	Type       string                 `toml:"type"`
	Expression string                 `toml:"expression"`
	Parameters map[string]interface{} `toml:"parameters"`
}
