// Package agentloop runs a task through a checkpointed agent turn loop.
//
// A Session classifies the task, renders the opening system and task
// prompts through a Lifecycle, then alternates provider calls with tool
// execution until the task completes, fails or reaches the iteration
// limit. Every tool call issued by the model is answered by exactly one
// tool result before the next provider call, including calls that fail,
// time out or are cancelled.
//
// The workflow state and conversation are snapshotted to a CheckpointStore
// every CheckpointInterval iterations and when the session ends, so a
// cancelled or crashed session can be continued with Resume.
//
// # Usage
//
//	registry := agentloop.NewToolRegistry()
//	_ = coretools.Register(registry, workspace, coretools.DefaultOptions())
//
//	cfg := agentloop.DefaultSessionConfig()
//	cfg.Model = "gpt-4o"
//	session := agentloop.NewSession(provider, agentloop.NewTemplateLifecycle(nil, ""), registry, &cfg,
//	    agentloop.WithCheckpointStore(store))
//	defer session.Close()
//
//	result, err := session.Run(ctx, "Create hello.txt containing hi")
//
// Events() exposes a non-blocking stream of SessionEvents for hosts that
// render progress.
package agentloop
