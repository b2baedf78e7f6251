// Package agent contains the core orchestrator that turns a natural-language
// task into on-screen interactions. It drives the capture, plan, interpret,
// gate, execute cycle against a single device session, tracks the step budget
// and sliding history, and returns a structured terminal result.
package agent
