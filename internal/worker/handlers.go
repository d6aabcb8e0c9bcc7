package worker

import (
	"context"
	"encoding/json"

	"github.com/ocx/workerlink/internal/transaction"
)

// DeepThoughtAnswer is what the example operation computes.
const DeepThoughtAnswer = 42

// RegisterDefaults installs the operations the bundled client issues.
func RegisterDefaults(d *Dispatcher) {
	d.Register(transaction.OpInitialize, func(ctx context.Context, args []json.RawMessage) (any, error) {
		return nil, nil
	})

	d.Register(transaction.OpExampleAskDeepThought, func(ctx context.Context, args []json.RawMessage) (any, error) {
		question, err := Arg[string](args, 0)
		if err != nil {
			return nil, err
		}
		if question == "" {
			return nil, &HandlerError{Code: CodeBadArguments, Message: "question must not be empty"}
		}
		return DeepThoughtAnswer, nil
	})
}
