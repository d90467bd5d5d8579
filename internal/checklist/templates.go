package checklist

func item(id, label string, required bool) ItemSpec {
	return ItemSpec{ID: id, Label: label, Required: required}
}

// DefaultSet returns the built-in templates. A policy file may replace any of them.
func DefaultSet() Set {
	return Set{
		KeySafetyCritical: {Key: KeySafetyCritical, Items: []ItemSpec{
			item("confirm-occupant-safety", "Confirm safety of all occupants", true),
			item("contact-emergency-services", "Contact emergency services if required", true),
			item("dispatch-responder", "Dispatch nearest responder or safety officer", true),
			item("share-live-location", "Share live location with responders", true),
			item("contact-driver", "Reach the driver by phone", true),
			item("contact-rider", "Reach the rider by phone", true),
			item("notify-emergency-contacts", "Notify registered emergency contacts", true),
			item("suspend-driver", "Suspend driver pending investigation", true),
			item("preserve-trip-data", "Preserve trip telemetry and GPS trace", true),
			item("secure-dashcam", "Secure dashcam footage", true),
			item("record-police-report", "Record police report number", false),
			item("collect-statements", "Collect statements from involved parties", true),
			item("medical-followup", "Arrange medical follow-up", false),
			item("legal-review", "Escalate to legal review", true),
			item("notify-insurer", "Notify insurer", false),
			item("support-followup", "Schedule customer support follow-up", false),
			item("root-cause", "Document root cause", true),
			item("comms-review", "Review external communications", false),
		}},
		KeySafetyHigh: {Key: KeySafetyHigh, Items: []ItemSpec{
			item("confirm-safety", "Confirm everyone involved is safe", true),
			item("contact-driver", "Reach the driver by phone", true),
			item("contact-rider", "Reach the rider by phone", true),
			item("review-trip-trace", "Review trip GPS trace", true),
			item("secure-dashcam", "Secure dashcam footage", true),
			item("collect-statements", "Collect statements from involved parties", true),
			item("assess-driver-status", "Assess whether the driver stays active", true),
			item("notify-safety-lead", "Notify the safety lead", true),
			item("support-followup", "Schedule customer support follow-up", false),
			item("record-police-report", "Record police report number", false),
			item("notify-insurer", "Notify insurer", false),
			item("assign-training", "Assign safety training", false),
			item("root-cause", "Document root cause", true),
			item("update-risk-score", "Update rider and driver risk score", false),
			item("comms-review", "Review external communications", false),
		}},
		KeyDriver: {Key: KeyDriver, Items: []ItemSpec{
			item("verify-driver-identity", "Verify driver identity", true),
			item("review-complaint", "Review the complaint details", true),
			item("contact-driver", "Reach the driver by phone", true),
			item("review-trip-history", "Review recent trip history", true),
			item("check-ratings", "Check rating trend", false),
			item("check-documents", "Check licence and permit validity", true),
			item("assess-suspension", "Decide on suspension", true),
			item("record-driver-statement", "Record the driver statement", true),
			item("notify-driver-outcome", "Notify the driver of the outcome", true),
			item("schedule-training", "Schedule refresher training", false),
			item("update-driver-record", "Update the driver record", true),
			item("review-prior-incidents", "Review prior incidents", false),
			item("customer-followup", "Follow up with the reporting customer", false),
			item("note-appeal-window", "Record the appeal window", false),
		}},
		KeyVehicle: {Key: KeyVehicle, Items: []ItemSpec{
			item("locate-vehicle", "Locate the vehicle", true),
			item("confirm-immobilized", "Confirm the vehicle is safely stopped", true),
			item("arrange-roadside-assistance", "Arrange roadside assistance", true),
			item("transfer-passenger", "Transfer the passenger to another ride", true),
			item("inspect-damage", "Inspect damage", true),
			item("photograph-damage", "Photograph damage", true),
			item("check-maintenance-history", "Check maintenance history", false),
			item("verify-registration", "Verify registration", true),
			item("verify-insurance", "Verify insurance", true),
			item("schedule-repair", "Schedule repair", false),
			item("arrange-replacement", "Arrange a replacement vehicle", false),
			item("notify-fleet-owner", "Notify the fleet owner", true),
			item("update-vehicle-status", "Update vehicle availability status", true),
			item("file-insurance-claim", "File an insurance claim", false),
			item("log-odometer", "Log odometer reading", false),
		}},
		KeyFinancial: {Key: KeyFinancial, Items: []ItemSpec{
			item("identify-transaction", "Identify the affected transaction", true),
			item("verify-amount", "Verify the disputed amount", true),
			item("check-payment-gateway", "Check the payment gateway record", true),
			item("freeze-account", "Freeze the account if fraud is suspected", false),
			item("contact-customer", "Contact the customer", true),
			item("contact-driver", "Contact the driver", false),
			item("reconcile-ledger", "Reconcile the ledger entry", true),
			item("issue-refund", "Issue refund", false),
			item("adjust-payout", "Adjust driver payout", false),
			item("fraud-review", "Complete fraud review", true),
			item("finance-approval", "Obtain finance approval", true),
			item("document-resolution", "Document the resolution", true),
			item("notify-accounting", "Notify accounting", false),
		}},
		KeySystem: {Key: KeySystem, Items: []ItemSpec{
			item("identify-service", "Identify the affected service", true),
			item("assess-impact", "Assess rider and driver impact", true),
			item("page-on-call", "Page the on-call engineer", true),
			item("update-status-page", "Update the status page", false),
			item("mitigate", "Apply mitigation", true),
			item("verify-recovery", "Verify recovery", true),
			item("check-data-integrity", "Check data integrity", true),
			item("review-logs", "Review logs and traces", true),
			item("customer-comms", "Send customer communication", false),
			item("driver-comms", "Send driver communication", false),
			item("rollback-plan", "Prepare rollback plan", false),
			item("capture-timeline", "Capture the incident timeline", true),
			item("root-cause", "Document root cause", true),
			item("schedule-postmortem", "Schedule postmortem", true),
			item("track-action-items", "Track action items", false),
			item("close-monitoring-gaps", "Close monitoring gaps", true),
		}},
	}
}
