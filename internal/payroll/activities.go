// Package payroll is the salary pipeline: four deduction activities and the
// orchestration that sequences them while a deductions entity keeps the
// running total.
package payroll

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/petrijr/payflow/internal/activity"
	"github.com/petrijr/payflow/pkg/api"
)

// Activity names.
const (
	ActivityContribution = "calculate-contribution"
	ActivityTaxBase      = "calculate-tax-base"
	ActivityIncomeTax    = "calculate-income-tax"
	ActivityNetSalary    = "calculate-net-salary"
)

var (
	contributionRate = decimal.RequireFromString("0.15")
	incomeTaxRate    = decimal.RequireFromString("0.15")
)

// ContributionRequest is the input of the contribution step.
type ContributionRequest struct {
	GrossSalary decimal.Decimal
}

// TaxBaseRequest is the input of the tax base step.
type TaxBaseRequest struct {
	GrossSalary  decimal.Decimal
	Contribution decimal.Decimal
}

// IncomeTaxRequest is the input of the income tax step.
type IncomeTaxRequest struct {
	TaxBase decimal.Decimal
}

// NetSalaryRequest is the input of the net salary step.
type NetSalaryRequest struct {
	GrossSalary  decimal.Decimal
	Contribution decimal.Decimal
	IncomeTax    decimal.Decimal
}

// ErrNegativeAmount is wrapped by the permanent error returned for negative
// inputs.
var ErrNegativeAmount = errors.New("amount must not be negative")

func nonNegative(field string, v decimal.Decimal) error {
	if v.IsNegative() {
		return api.Permanent(fmt.Errorf("%s %s: %w", field, v, ErrNegativeAmount), "invalid salary input")
	}
	return nil
}

// CalculateContribution returns 15% of the gross salary.
func CalculateContribution(_ context.Context, req ContributionRequest) (decimal.Decimal, error) {
	if err := nonNegative("gross salary", req.GrossSalary); err != nil {
		return decimal.Zero, err
	}
	return req.GrossSalary.Mul(contributionRate), nil
}

// CalculateTaxBase returns the gross salary minus the contribution.
func CalculateTaxBase(_ context.Context, req TaxBaseRequest) (decimal.Decimal, error) {
	if err := nonNegative("gross salary", req.GrossSalary); err != nil {
		return decimal.Zero, err
	}
	if err := nonNegative("contribution", req.Contribution); err != nil {
		return decimal.Zero, err
	}
	return req.GrossSalary.Sub(req.Contribution), nil
}

// CalculateIncomeTax returns 15% of the tax base.
func CalculateIncomeTax(_ context.Context, req IncomeTaxRequest) (decimal.Decimal, error) {
	if err := nonNegative("tax base", req.TaxBase); err != nil {
		return decimal.Zero, err
	}
	return req.TaxBase.Mul(incomeTaxRate), nil
}

// CalculateNetSalary returns the gross salary minus both deductions.
func CalculateNetSalary(_ context.Context, req NetSalaryRequest) (decimal.Decimal, error) {
	if err := nonNegative("gross salary", req.GrossSalary); err != nil {
		return decimal.Zero, err
	}
	return req.GrossSalary.Sub(req.Contribution.Add(req.IncomeTax)), nil
}

// RegisterActivities adds the four payroll activities to reg.
func RegisterActivities(reg *activity.Registry) error {
	handlers := []struct {
		name string
		h    activity.Handler
	}{
		{ActivityContribution, activity.Typed(CalculateContribution)},
		{ActivityTaxBase, activity.Typed(CalculateTaxBase)},
		{ActivityIncomeTax, activity.Typed(CalculateIncomeTax)},
		{ActivityNetSalary, activity.Typed(CalculateNetSalary)},
	}
	for _, a := range handlers {
		if err := reg.Register(a.name, a.h); err != nil {
			return err
		}
	}
	return nil
}
