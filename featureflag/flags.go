package featureflag

type Flag string

const (
	FlagDisableEviction    Flag = "DISABLE_EVICTION"
	FlagDisablePersistence Flag = "DISABLE_PERSISTENCE"
	FlagDisableCoalescing  Flag = "DISABLE_COALESCING"
	FlagDisableStream      Flag = "DISABLE_STREAM"
	FlagConsistencyChecks  Flag = "CONSISTENCY_CHECKS"
)
