package config

import (
	"context"
	"reflect"
	"strings"

	"bitbucket.org/mmdatafocus/printshop_backend/appctx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/schema"
)

const tenantColumn = "company_id"

// TenantGuardPlugin scopes queries, updates and deletes to the request's
// company_id whenever the model carries a company_id column, and stamps the
// column on create when the caller left it blank.
//
// Raw SQL is not covered; those statements must filter on company_id themselves.
// Admin and system actors bypass it through the context.
type TenantGuardPlugin struct{}

func NewTenantGuardPlugin() *TenantGuardPlugin { return &TenantGuardPlugin{} }

func (p *TenantGuardPlugin) Name() string { return "tenant_guard" }

func (p *TenantGuardPlugin) Initialize(db *gorm.DB) error {
	if err := db.Callback().Create().Before("gorm:create").Register("tenant_guard:create", tenantStampCallback); err != nil {
		return err
	}
	if err := db.Callback().Query().Before("gorm:query").Register("tenant_guard:query", tenantGuardCallback); err != nil {
		return err
	}
	if err := db.Callback().Row().Before("gorm:row").Register("tenant_guard:row", tenantGuardCallback); err != nil {
		return err
	}
	if err := db.Callback().Update().Before("gorm:update").Register("tenant_guard:update", tenantGuardCallback); err != nil {
		return err
	}
	if err := db.Callback().Delete().Before("gorm:delete").Register("tenant_guard:delete", tenantGuardCallback); err != nil {
		return err
	}
	return nil
}

// tenantScope returns the company id to enforce for the statement, or "".
func tenantScope(db *gorm.DB) string {
	if db == nil || db.Statement == nil || db.Statement.Context == nil {
		return ""
	}
	ctx := db.Statement.Context
	if shouldBypassTenantScope(ctx) {
		return ""
	}
	if db.Statement.Schema == nil || db.Statement.Schema.LookUpField(tenantColumn) == nil {
		return ""
	}
	return companyIdFromContext(ctx)
}

func tenantGuardCallback(db *gorm.DB) {
	companyID := tenantScope(db)
	if companyID == "" {
		return
	}
	if whereHasCompanyID(db.Statement.Clauses["WHERE"]) {
		return
	}
	db.Statement.AddClause(clause.Where{
		Exprs: []clause.Expression{
			clause.Eq{
				Column: clause.Column{Table: db.Statement.Table, Name: tenantColumn},
				Value:  companyID,
			},
		},
	})
}

func tenantStampCallback(db *gorm.DB) {
	companyID := tenantScope(db)
	if companyID == "" {
		return
	}
	field := db.Statement.Schema.LookUpField(tenantColumn)
	rv := db.Statement.ReflectValue
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			stampCompany(db, field, rv.Index(i), companyID)
		}
	case reflect.Struct:
		stampCompany(db, field, rv, companyID)
	}
}

func stampCompany(db *gorm.DB, field *schema.Field, rv reflect.Value, companyID string) {
	ctx := db.Statement.Context
	if _, isZero := field.ValueOf(ctx, rv); isZero {
		_ = field.Set(ctx, rv, companyID)
	}
}

func companyIdFromContext(ctx context.Context) string {
	return appctx.CompanyId(ctx)
}

func shouldBypassTenantScope(ctx context.Context) bool {
	return appctx.IsAdmin(ctx)
}

func whereHasCompanyID(c clause.Clause) bool {
	w, ok := c.Expression.(clause.Where)
	if !ok {
		return false
	}
	for _, e := range w.Exprs {
		if exprHasCompanyID(e) {
			return true
		}
	}
	return false
}

func exprHasCompanyID(e clause.Expression) bool {
	switch v := e.(type) {
	case clause.Eq:
		return colIsCompanyID(v.Column)
	case clause.Neq:
		return colIsCompanyID(v.Column)
	case clause.IN:
		return colIsCompanyID(v.Column)
	case clause.AndConditions:
		return anyHasCompanyID(v.Exprs)
	case clause.OrConditions:
		return anyHasCompanyID(v.Exprs)
	case clause.Expr:
		// best effort for raw fragments
		return strings.Contains(strings.ToLower(v.SQL), tenantColumn)
	case clause.NamedExpr:
		return strings.Contains(strings.ToLower(v.SQL), tenantColumn)
	default:
		return false
	}
}

func anyHasCompanyID(exprs []clause.Expression) bool {
	for _, x := range exprs {
		if exprHasCompanyID(x) {
			return true
		}
	}
	return false
}

func colIsCompanyID(col any) bool {
	switch c := col.(type) {
	case string:
		return strings.EqualFold(c, tenantColumn)
	case clause.Column:
		return strings.EqualFold(c.Name, tenantColumn)
	default:
		return false
	}
}
