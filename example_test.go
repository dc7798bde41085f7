package payflow_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"github.com/petrijr/payflow"
)

// Example_localRunner computes one salary with an in-process runtime.
func Example_localRunner() {
	ctx := context.Background()

	runner, err := payflow.NewLocalRunner()
	if err != nil {
		log.Fatal(err)
	}
	if err := runner.StartWorkers(ctx, 2); err != nil {
		log.Fatal(err)
	}
	defer runner.Stop()

	id, err := runner.StartSalary(ctx, decimal.NewFromInt(1000))
	if err != nil {
		log.Fatal(err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	st, err := runner.WaitFor(waitCtx, id, 10*time.Millisecond)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println(st.Status)
	fmt.Println(st.Output)
	// Output:
	// COMPLETED
	// net salary: 722.50 | total deductions: 277.50
}

// ExampleRetry builds the default activity retry policy.
func ExampleRetry() {
	p := payflow.Retry(3).WithConstantBackoff(5 * time.Second).Policy()
	fmt.Println(p.MaxAttempts, p.Delay(2))
	// Output: 3 5s
}
