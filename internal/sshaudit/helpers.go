package sshaudit

// LogParameterError records a rejected connection on the global Auditor.
// It does nothing before InitGlobal.
func LogParameterError(host, username, sourceIP, message string) {
	if a := GetAuditor(); a != nil {
		a.LogParameterError(host, username, sourceIP, message)
	}
}
