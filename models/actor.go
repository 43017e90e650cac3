package models

import (
	"context"
	"errors"

	"bitbucket.org/mmdatafocus/printshop_backend/utils"
)

// Actor is the authenticated user a production change is made on behalf of.
// It is passed explicitly; the company it carries scopes every query.
type Actor struct {
	CompanyId string
	BranchId  int
	UserId    int
	UserName  string
	IsAdmin   bool
}

var errActorCompanyRequired = errors.New("company id is required")

// ActorFromContext reads the identity the session middleware stored.
func ActorFromContext(ctx context.Context) (Actor, error) {
	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return Actor{}, errActorCompanyRequired
	}
	userId, ok := utils.GetUserIdFromContext(ctx)
	if !ok {
		return Actor{}, errors.New("user id is required")
	}
	userName, _ := utils.GetUserNameFromContext(ctx)
	branchId, _ := utils.GetBranchIdFromContext(ctx)
	isAdmin, _ := utils.GetIsAdminFromContext(ctx)
	return Actor{
		CompanyId: companyId,
		BranchId:  branchId,
		UserId:    userId,
		UserName:  userName,
		IsAdmin:   isAdmin,
	}, nil
}

// SystemActor is used by background consumers and admin tools.
func SystemActor(companyId string) Actor {
	return Actor{CompanyId: companyId, UserName: "System", IsAdmin: true}
}

// Context returns ctx carrying the actor's company and user, which the
// tenant guard and history records read.
func (a Actor) Context(ctx context.Context) context.Context {
	ctx = utils.SetCompanyIdInContext(ctx, a.CompanyId)
	ctx = utils.SetUserIdInContext(ctx, a.UserId)
	ctx = utils.SetUserNameInContext(ctx, a.UserName)
	if a.BranchId > 0 {
		ctx = utils.SetBranchIdInContext(ctx, a.BranchId)
	}
	return ctx
}

func (a Actor) validate() error {
	if a.CompanyId == "" {
		return errActorCompanyRequired
	}
	return nil
}
