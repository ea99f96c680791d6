package shared

import "fmt"

// LeaseLockKey builds the redis key serialising ledger writers of one lease.
func LeaseLockKey(leaseID fmt.Stringer) string {
	return fmt.Sprintf("ledger:lease:%s:lock", leaseID)
}

// ReceivablesImportLockKey serialises receivables imports per advisor scope.
func ReceivablesImportLockKey(advisor string) string {
	if advisor == "" {
		advisor = "_all"
	}
	return fmt.Sprintf("receivables:import:%s:lock", advisor)
}
