package redis

import "fmt"

// RoleMembersKey is the set of accounts holding a role.
func RoleMembersKey(role string) string {
	return fmt.Sprintf("marketplace:roles:%s", role)
}

// CallerRateLimitKey is the sliding window of one caller's paying requests.
func CallerRateLimitKey(caller string) string {
	return fmt.Sprintf("rate_limit:marketplace:caller:%s", caller)
}

// IPRateLimitKey is the fallback window when the caller is unknown.
func IPRateLimitKey(ip string) string {
	return fmt.Sprintf("rate_limit:marketplace:ip:%s", ip)
}

// RequestLockKey marks an idempotency key whose request is still running.
func RequestLockKey(caller, idemKey string) string {
	return fmt.Sprintf("marketplace:request:lock:%s:%s", caller, idemKey)
}

// ReceiptKey stores the response of a finished idempotent request.
func ReceiptKey(caller, idemKey string) string {
	return fmt.Sprintf("marketplace:receipt:%s:%s", caller, idemKey)
}
