package transaction

// Operation tags shared by the SDK client and the bundled worker.
const (
	// OpInitialize must be the first transaction on a fresh channel; nothing
	// else may be issued until it has concluded successfully.
	OpInitialize = "initialize"

	OpExampleAskDeepThought = "example_ask_deep_thought"
)
