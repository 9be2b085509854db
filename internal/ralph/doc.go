// Package ralph implements the RALPH iteration loop: a prompt is sent to an
// agent session again and again, each time carrying the previous response,
// until the response contains a completion marker or the iteration budget
// runs out.
//
// # Basic Usage
//
//	c := client.New(transport, store)
//	loop := ralph.New(c, ralph.Config{MaxIterations: 5})
//	res, err := loop.Run(ctx, prompt)
//	var budget *ralph.IterationBudgetExceededError
//	if errors.As(err, &budget) {
//	    fmt.Println(budget.LastResponse)
//	}
//
// Run starts the client, owns one session for the whole run and always
// destroys the session and stops the client before returning.
//
// # Modes
//
// ModeContinue (the default) keeps one session and feeds the previous
// response back into each prompt. ModeFresh creates a new session per
// iteration and resends the prompt unchanged; state is expected to live in
// the working directory.
//
// # Progress Observation
//
// Implement Observer, or embed NoopObserver, to receive live updates:
//
//	loop := ralph.New(c, cfg, ralph.WithObserver(ralph.NewMultiObserver(
//	    ralph.NewLogObserver(os.Stdout),
//	    tracing,
//	)))
package ralph
