package domain

type Role string

const (
	RoleCitizen  Role = "citizen"
	RoleWorker   Role = "worker"
	RoleRecycler Role = "recycler"
	RoleAdmin    Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleCitizen, RoleWorker, RoleRecycler, RoleAdmin:
		return true
	}
	return false
}

// Actor is the authenticated party behind a request or a queued write.
type Actor struct {
	UserID string `json:"userId"`
	Role   Role   `json:"role"`
}
