// Package tools registers and invokes the structured tools available to
// agents.
//
// Invariants:
// - Tool names are unique.
// - Arguments are schema-validated before a handler runs.
// - Handler failures are returned as errors wrapping ErrToolFailed; the
//   caller turns them into error results for the model.
//
// Usage:
//
//	exec := tools.New(tools.Config{Logger: logger})
//	_ = exec.Register(tools.Tool{
//		Name:        "echo",
//		Description: "Echo input",
//		Parameters:  []tools.Parameter{{Name: "text", Type: "string", Description: "text", Required: true}},
//		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
//			return args["text"], nil
//		},
//	})
//	res, err := exec.Invoke(ctx, "echo", map[string]interface{}{"text": "hi"})
package tools
