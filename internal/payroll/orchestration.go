package payroll

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/petrijr/payflow/internal/activity"
	"github.com/petrijr/payflow/pkg/api"
)

const (
	// OrchestrationName is the registered name of the salary pipeline.
	OrchestrationName = "salary"

	// EntityName names the deductions entity; its key is the instance id.
	EntityName = "deductions"
)

// Custom status labels, one per completed step.
const (
	StatusContribution = "last completed step: calculate contribution"
	StatusTaxBase      = "last completed step: calculate tax base"
	StatusIncomeTax    = "last completed step: calculate income tax"
	StatusNetSalary    = "last completed step: calculate net salary"
)

// DefaultRetry retries transient activity failures every 5 seconds, 3
// attempts in total.
var DefaultRetry = api.RetryPolicy{
	FirstRetryInterval: 5 * time.Second,
	MaxAttempts:        3,
}

// Result is the outcome of one salary computation.
type Result struct {
	NetSalary       decimal.Decimal
	TotalDeductions decimal.Decimal
}

// String renders the instance output.
func (r Result) String() string {
	return fmt.Sprintf("net salary: %s | total deductions: %s",
		r.NetSalary.StringFixed(2), r.TotalDeductions.StringFixed(2))
}

// NewSalaryOrchestration returns the salary pipeline with every activity
// call retried under policy.
func NewSalaryOrchestration(policy api.RetryPolicy) api.OrchestrationFunc {
	return func(ctx api.OrchestrationContext) (string, error) {
		var gross decimal.Decimal
		if err := ctx.Input(&gross); err != nil {
			return "", err
		}
		deductions := api.EntityID{Name: EntityName, Key: ctx.InstanceID()}

		var contribution, taxBase, incomeTax, net, total decimal.Decimal

		if err := step(ctx, ActivityContribution, ContributionRequest{GrossSalary: gross}, &policy, &contribution); err != nil {
			return "", err
		}
		ctx.SetCustomStatus(StatusContribution)
		total, err := ctx.CallEntity(deductions, api.OpAdd, contribution)
		if err != nil {
			return "", err
		}

		if err := step(ctx, ActivityTaxBase, TaxBaseRequest{GrossSalary: gross, Contribution: contribution}, &policy, &taxBase); err != nil {
			return "", err
		}
		ctx.SetCustomStatus(StatusTaxBase)

		if err := step(ctx, ActivityIncomeTax, IncomeTaxRequest{TaxBase: taxBase}, &policy, &incomeTax); err != nil {
			return "", err
		}
		ctx.SetCustomStatus(StatusIncomeTax)
		if total, err = ctx.CallEntity(deductions, api.OpAdd, incomeTax); err != nil {
			return "", err
		}

		req := NetSalaryRequest{GrossSalary: gross, Contribution: contribution, IncomeTax: incomeTax}
		if err := step(ctx, ActivityNetSalary, req, &policy, &net); err != nil {
			return "", err
		}
		ctx.SetCustomStatus(StatusNetSalary)

		if _, err := ctx.CallEntity(deductions, api.OpCompleted, decimal.Zero); err != nil {
			return "", err
		}

		ctx.RequestPurge(api.PurgeRequest{InstanceID: ctx.InstanceID()})
		ctx.RequestPurge(api.PurgeRequest{InstanceID: ctx.InstanceID(), EntityKey: deductions.String()})

		return Result{NetSalary: net, TotalDeductions: total}.String(), nil
	}
}

// step yields with a zero timer, then runs one activity.
func step(ctx api.OrchestrationContext, name string, input any, policy *api.RetryPolicy, out *decimal.Decimal) error {
	if err := ctx.CreateTimer(0); err != nil {
		return err
	}
	return ctx.CallActivity(name, input, policy, out)
}

// SalaryOrchestration is the salary pipeline under DefaultRetry.
var SalaryOrchestration = NewSalaryOrchestration(DefaultRetry)

// Register installs the payroll activities into reg and the salary
// orchestration into eng.
func Register(eng api.Engine, reg *activity.Registry, policy api.RetryPolicy) error {
	if err := RegisterActivities(reg); err != nil {
		return err
	}
	return eng.RegisterOrchestration(OrchestrationName, NewSalaryOrchestration(policy))
}
