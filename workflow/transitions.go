package workflow

import (
	"sort"

	"github.com/mmdatafocus/invoices_backend/models"
)

// invoiceTransitions is the complete set of legal status moves. paid and split
// are terminal.
var invoiceTransitions = map[models.InvoiceStatus][]models.InvoiceStatus{
	models.InvoiceStatusNeedsReview: {
		models.InvoiceStatusReadyForApproval,
		models.InvoiceStatusDenied,
		models.InvoiceStatusDeleted,
		models.InvoiceStatusSplit,
	},
	models.InvoiceStatusReadyForApproval: {
		models.InvoiceStatusApproved,
		models.InvoiceStatusNeedsReview,
		models.InvoiceStatusDenied,
		models.InvoiceStatusSplit,
	},
	models.InvoiceStatusApproved: {
		models.InvoiceStatusInDraw,
		models.InvoiceStatusReadyForApproval,
		models.InvoiceStatusNeedsReview,
	},
	models.InvoiceStatusInDraw: {
		models.InvoiceStatusPaid,
		models.InvoiceStatusApproved,
	},
	models.InvoiceStatusPaid:  {},
	models.InvoiceStatusSplit: {},
	models.InvoiceStatusDenied: {
		models.InvoiceStatusNeedsReview,
		models.InvoiceStatusDeleted,
	},
}

// requirement names checked before entering a status.
type requirement string

const (
	reqJobAndVendor      requirement = "job_and_vendor"
	reqAllocationBalance requirement = "allocation_balance"
	reqPoCapacity        requirement = "po_capacity"
	reqDrawOpen          requirement = "draw_open"
	reqDrawFunded        requirement = "draw_funded"
)

// transitionRequirements is keyed by target status only.
var transitionRequirements = map[models.InvoiceStatus][]requirement{
	models.InvoiceStatusReadyForApproval: {reqJobAndVendor},
	models.InvoiceStatusApproved:         {reqJobAndVendor, reqAllocationBalance, reqPoCapacity},
	models.InvoiceStatusInDraw:           {reqDrawOpen},
	models.InvoiceStatusPaid:             {reqDrawFunded},
}

// CanTransition reports whether from -> to is in the table.
func CanTransition(from, to models.InvoiceStatus) bool {
	for _, s := range invoiceTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func AllowedTargets(from models.InvoiceStatus) []string {
	out := make([]string, 0, len(invoiceTransitions[from]))
	for _, s := range invoiceTransitions[from] {
		out = append(out, string(s))
	}
	sort.Strings(out)
	return out
}

func IsTerminal(s models.InvoiceStatus) bool {
	targets, ok := invoiceTransitions[s]
	return ok && len(targets) == 0
}

func requirementsFor(target models.InvoiceStatus) []requirement {
	return transitionRequirements[target]
}
