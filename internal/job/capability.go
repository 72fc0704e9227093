package job

// Permission is the access level a Capability grants on a job.
type Permission int

const (
	PermNone Permission = iota
	PermRead
	PermWrite
)

func (p Permission) String() string {
	switch p {
	case PermRead:
		return "read"
	case PermWrite:
		return "write"
	default:
		return "none"
	}
}

// Capability is handed to stores by callers that were already authorized
// elsewhere. Stores only check the level, never the subject.
type Capability struct {
	Subject    string
	Permission Permission
}

func (c Capability) CanRead() bool  { return c.Permission >= PermRead }
func (c Capability) CanWrite() bool { return c.Permission >= PermWrite }

// System is the capability used by the ingestion path.
func System() Capability { return Capability{Subject: "system", Permission: PermWrite} }

// ReadOnly grants read access to subject.
func ReadOnly(subject string) Capability {
	return Capability{Subject: subject, Permission: PermRead}
}

// ReadWrite grants read and write access to subject.
func ReadWrite(subject string) Capability {
	return Capability{Subject: subject, Permission: PermWrite}
}
