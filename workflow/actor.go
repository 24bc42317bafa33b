package workflow

import (
	"context"

	"github.com/mmdatafocus/invoices_backend/utils"
)

// Actor is the authenticated user performing an operation.
type Actor struct {
	Id      int
	Name    string
	IsAdmin bool
}

func ActorFromContext(ctx context.Context) (Actor, error) {
	id, ok := utils.GetUserIdFromContext(ctx)
	if !ok || id <= 0 {
		return Actor{}, NewValidationError("actor", utils.ErrorActorRequired.Error())
	}
	name, _ := utils.GetUserNameFromContext(ctx)
	admin, _ := utils.GetIsAdminFromContext(ctx)
	return Actor{Id: id, Name: name, IsAdmin: admin}, nil
}
