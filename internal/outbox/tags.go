package outbox

import (
	"net/http"
	"strings"
)

// Sync tags, one per mutation family. The tag written at enqueue time is
// the tag the replay worker dispatches on, so these constants are the
// contract between the two sides.
const (
	TagNewTransactions = "sync-new-transactions"
	TagDeletedItems    = "sync-deleted-items"
	TagNewInvoices     = "sync-new-invoices"
)

// Tags lists every known mutation family, in replay sweep order.
var Tags = []string{TagNewTransactions, TagDeletedItems, TagNewInvoices}

// TagFor maps a mutation to its sync tag by verb and URL family.
func TagFor(method, path string) string {
	if method == http.MethodDelete {
		return TagDeletedItems
	}
	if strings.HasPrefix(path, "/api/invoice") {
		return TagNewInvoices
	}
	return TagNewTransactions
}
