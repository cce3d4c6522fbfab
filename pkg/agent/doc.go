// Package agent runs one AI-driven agent: its session state machine, the
// generation collaborator it calls, and the step loop that feeds tool
// results back to the model until the continuation engine says stop.
//
// Invariants:
// - At most one step of a session executes at any time.
// - STOPPED is terminal.
// - A failed task never stops the session unless failures repeat past the
//   configured threshold.
// - Tool failures reach the model as error results, never as session errors.
//
// Usage:
//
//	s, _ := agent.NewSession(agent.SessionConfig{
//		AgentID:   "writer",
//		Generator: agent.NewEchoGenerator(continuation.MultiToolCall),
//		Tools:     registry,
//		Mailbox:   box,
//		Sleep:     controller,
//	})
//	s.Start(ctx)
//	_ = s.Enqueue(&taskqueue.Task{Kind: taskqueue.KindDirectTask, Payload: "hello"})
package agent
