package internaldefs

import (
	"github.com/idatt2105/chainauth"
)

// CounterDef names one engine counter for export.
type CounterDef struct {
	ID   chainauth.MetricID
	Name string
	Help string
}

// HistogramDef names one latency histogram for export.
type HistogramDef struct {
	ID   chainauth.MetricID
	Name string
	Help string
}

var CounterDefs = []CounterDef{
	{ID: chainauth.MetricLoginSuccess, Name: "chainauth_login_success_total", Help: "Successful logins."},
	{ID: chainauth.MetricLoginFailure, Name: "chainauth_login_failure_total", Help: "Failed logins."},
	{ID: chainauth.MetricLoginRateLimited, Name: "chainauth_login_rate_limited_total", Help: "Logins rejected by the login throttle."},
	{ID: chainauth.MetricRefreshSuccess, Name: "chainauth_refresh_success_total", Help: "Successful refresh token rotations."},
	{ID: chainauth.MetricRefreshFailure, Name: "chainauth_refresh_failure_total", Help: "Failed refresh attempts."},
	{ID: chainauth.MetricRefreshReuseDetected, Name: "chainauth_refresh_reuse_detected_total", Help: "Refresh attempts with a rotated or revoked token."},
	{ID: chainauth.MetricUnknownToken, Name: "chainauth_refresh_unknown_token_total", Help: "Refresh attempts with no matching chain record."},
	{ID: chainauth.MetricChainCreated, Name: "chainauth_chain_created_total", Help: "Chains opened by login."},
	{ID: chainauth.MetricChainInvalidated, Name: "chainauth_chain_invalidated_total", Help: "Chain invalidations that revoked at least one record."},
	{ID: chainauth.MetricLogoutAll, Name: "chainauth_logout_all_total", Help: "Logout-all operations."},
	{ID: chainauth.MetricLogoutEverywhere, Name: "chainauth_logout_everywhere_total", Help: "Subject-wide logout operations."},
	{ID: chainauth.MetricRateLimitHit, Name: "chainauth_rate_limit_hit_total", Help: "Requests denied by any rate limiter."},
	{ID: chainauth.MetricPasswordResetRequest, Name: "chainauth_password_reset_request_total", Help: "Password reset requests."},
	{ID: chainauth.MetricPasswordResetRateLimited, Name: "chainauth_password_reset_rate_limited_total", Help: "Password reset requests rejected by the throttle."},
	{ID: chainauth.MetricPasswordResetConfirmSuccess, Name: "chainauth_password_reset_confirm_success_total", Help: "Completed password resets."},
	{ID: chainauth.MetricPasswordResetConfirmFailure, Name: "chainauth_password_reset_confirm_failure_total", Help: "Rejected password reset confirmations."},
	{ID: chainauth.MetricPasswordResetReplay, Name: "chainauth_password_reset_replay_total", Help: "Confirmations with an already consumed reset token."},
	{ID: chainauth.MetricResetDeliveryFailure, Name: "chainauth_password_reset_delivery_failure_total", Help: "Reset tokens the mailer failed to deliver."},
}

var HistogramDefs = []HistogramDef{
	{ID: chainauth.MetricValidateLatency, Name: "chainauth_validate_latency_seconds", Help: "Access token validation latency."},
	{ID: chainauth.MetricRefreshLatency, Name: "chainauth_refresh_latency_seconds", Help: "Refresh rotation latency including store round trips."},
}

// HistogramBounds are the upper bounds in seconds, matching the engine's
// fixed millisecond buckets.
var HistogramBounds = []string{
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"+Inf",
}

// HistogramBoundSuffix is HistogramBounds in a form usable in instrument names.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets copies raw into a fixed array, zero-filling missing buckets.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	copy(out[:], raw)
	return out
}

func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i, v := range raw {
		running += v
		out[i] = running
	}
	return out
}
