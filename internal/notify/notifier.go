// Package notify carries best-effort, fire-and-forget signals out of the sale
// path. A Notifier failure never changes a committed sale's outcome.
package notify

import (
	"log"

	"coopstore/m/domain"
)

type Notifier interface {
	NotifyPurchase(reference string, customerName string, total domain.Amount, itemCount int) error
	NotifyLowStock(productID int64, name string, remaining int64) error
}

// LogNotifier writes notifications to the process log. It stands in for the
// email/push channels the storefront wires up in production.
type LogNotifier struct{}

func (LogNotifier) NotifyPurchase(reference, customerName string, total domain.Amount, itemCount int) error {
	log.Printf("sale %s: %s paid %s for %d item(s)", reference, customerName, total, itemCount)
	return nil
}

func (LogNotifier) NotifyLowStock(productID int64, name string, remaining int64) error {
	log.Printf("low stock: product %d (%s) down to %d", productID, name, remaining)
	return nil
}
