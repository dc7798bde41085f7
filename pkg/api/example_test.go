package api_test

import (
	"fmt"
	"time"

	"github.com/petrijr/payflow/pkg/api"
)

// ExampleRetryPolicy shows the waits of an exponential retry policy.
func ExampleRetryPolicy() {
	p := api.RetryPolicy{
		FirstRetryInterval: time.Second,
		MaxAttempts:        4,
		BackoffCoefficient: 2,
		MaxRetryInterval:   3 * time.Second,
	}
	for attempt := 1; attempt <= p.Attempts(); attempt++ {
		fmt.Println(attempt, p.Delay(attempt))
	}
	// Output:
	// 1 0s
	// 2 1s
	// 3 2s
	// 4 3s
}

// ExampleParsePurgeMessage shows the two forms of cleanup message.
func ExampleParsePurgeMessage() {
	owner := "4b1f"
	entity := api.EntityID{Name: "deductions", Key: owner}

	for _, msg := range []string{owner, entity.String()} {
		req, err := api.ParsePurgeMessage(msg)
		if err != nil {
			fmt.Println("error:", err)
			continue
		}
		fmt.Printf("instance=%s entity=%q\n", req.InstanceID, req.EntityKey)
	}
	// Output:
	// instance=4b1f entity=""
	// instance=4b1f entity="@deductions@4b1f"
}
