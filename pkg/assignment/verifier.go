package assignment

// Verifier checks a (session, counselor) pair before any mutation.
// It is a pure function over already-loaded data.
type Verifier struct{}

// NewVerifier creates a verifier
func NewVerifier() *Verifier {
	return &Verifier{}
}

// Verify evaluates the assignment preconditions in order and returns the first
// violation, or nil when the assignment may proceed.
func (v *Verifier) Verify(session *Session, counselor *Counselor, allowReassignInProgress bool) *Violation {
	if conflict := checkNotAssigned(session, counselor, allowReassignInProgress); conflict != nil {
		return conflict
	}

	if session.VisitorPrincipalID == "" {
		return violation(KindMissingExternalIdentity,
			"visitor %s of session %s has no chat service id", session.VisitorID, session.ID)
	}
	if counselor.PrincipalID == "" {
		return violation(KindMissingExternalIdentity,
			"counselor %s has no chat service id", counselor.ID)
	}

	if session.IsAnonymous() {
		if !counselor.hasConsultingType(session.ConsultingTypeID) {
			return violation(KindConsultingTypeNotAuthorized,
				"consulting type %s of session %s is not available for counselor %s",
				session.ConsultingTypeID, session.ID, counselor.ID)
		}
		return nil
	}

	if !counselor.hasAgency(session.AgencyID) {
		return violation(KindAgencyNotAuthorized,
			"agency %s of session %s is not assigned to counselor %s",
			session.AgencyID, session.ID, counselor.ID)
	}

	return nil
}

func checkNotAssigned(session *Session, counselor *Counselor, allowReassignInProgress bool) *Violation {
	assigned := session.AssignedCounselorID

	switch session.Status {
	case StatusInProgress:
		if assigned != "" && assigned != counselor.ID && !allowReassignInProgress {
			return violation(KindAlreadyAssigned,
				"session %s is already in progress with another counselor and cannot be accepted by counselor %s",
				session.ID, counselor.ID)
		}
		if assigned == counselor.ID {
			return violation(KindAlreadyAssigned,
				"session %s is already assigned to counselor %s", session.ID, counselor.ID)
		}
	case StatusNew:
		if assigned != "" {
			return violation(KindAlreadyAssigned,
				"new session %s already carries counselor %s and cannot be accepted by counselor %s",
				session.ID, assigned, counselor.ID)
		}
	}

	return nil
}
