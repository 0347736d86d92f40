package env

// viper keys shared by the cli, the pool and the http layer
const (
	Debug              = "debug"
	Port               = "port"
	RHome              = "rHome"
	RserveExecutable   = "rserveExecutable"
	RserveDebug        = "rserveDebug"
	RserveArgs         = "rserveArgs"
	TempDir            = "tempDir"
	MaxInBufMB         = "maxInBufMB"
	Headless           = "headless"
	SingleUse          = "singleUse"
	CondaPrefix        = "condaPrefix"
	ConnectTimeout     = "connectTimeout"
	ConnectAttempts    = "connectAttempts"
	KillGrace          = "killGrace"
	TTL                = "TTL"
	JanitorInterval    = "janitorInterval"
	LedgerPath         = "ledgerPath"
	CollectInterval    = "collectInterval"
	TraceAgentHostPort = "TraceAgentHostPort"
)
