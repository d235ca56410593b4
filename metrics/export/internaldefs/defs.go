package internaldefs

import (
	authcore "github.com/labtrack/authcore"
)

// CounterDef maps one engine counter to its exported metric name.
type CounterDef struct {
	ID   authcore.MetricID
	Name string
	Help string
}

// CounterDefs lists every exported counter. Exporters iterate this slice
// so adding a counter here surfaces it everywhere at once.
var CounterDefs = []CounterDef{
	{ID: authcore.MetricLoginSuccess, Name: "authcore_login_success_total", Help: "Successful login attempts."},
	{ID: authcore.MetricLoginFailure, Name: "authcore_login_failure_total", Help: "Failed login attempts."},
	{ID: authcore.MetricRefreshSuccess, Name: "authcore_refresh_success_total", Help: "Completed refresh rotations."},
	{ID: authcore.MetricRefreshFailure, Name: "authcore_refresh_failure_total", Help: "Rejected refresh attempts."},
	{ID: authcore.MetricRefreshReuseDetected, Name: "authcore_refresh_reuse_detected_total", Help: "Detected refresh credential reuses."},
	{ID: authcore.MetricSessionCreated, Name: "authcore_session_created_total", Help: "Issued refresh credentials."},
	{ID: authcore.MetricSessionInvalidated, Name: "authcore_session_invalidated_total", Help: "Revoked refresh credentials."},
	{ID: authcore.MetricLogout, Name: "authcore_logout_total", Help: "Single-session logout operations."},
	{ID: authcore.MetricLogoutAll, Name: "authcore_logout_all_total", Help: "Logout-all operations."},
	{ID: authcore.MetricPasswordResetRequest, Name: "authcore_password_reset_request_total", Help: "Password reset requests."},
	{ID: authcore.MetricPasswordResetConfirmSuccess, Name: "authcore_password_reset_confirm_success_total", Help: "Completed password resets."},
	{ID: authcore.MetricPasswordResetConfirmFailure, Name: "authcore_password_reset_confirm_failure_total", Help: "Rejected password reset confirmations."},
	{ID: authcore.MetricPasswordResetRateLimited, Name: "authcore_password_reset_rate_limited_total", Help: "Throttled password reset calls."},
}
