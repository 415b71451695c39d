package model

// Actor identifies who performed a mutation.
type Actor struct {
	UserID      string
	DisplayName string
	Role        string
}

const SystemActorID = "system"

func SystemActor() Actor {
	return Actor{UserID: SystemActorID, DisplayName: "System", Role: SystemActorID}
}

func (a Actor) Name() string {
	if a.DisplayName != "" {
		return a.DisplayName
	}
	return a.UserID
}
