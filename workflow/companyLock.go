package workflow

import (
	"fmt"

	"gorm.io/gorm"
)

// AcquireCompanyEventLock serializes event handling per company across
// instances using MySQL advisory locks. Other dialects have no equivalent and
// skip it.
// NOTE: GET_LOCK is connection-scoped, so call it on the transaction that does the work.
func AcquireCompanyEventLock(tx *gorm.DB, companyId string) error {
	if tx.Dialector.Name() != "mysql" {
		return nil
	}
	var ok int
	if err := tx.Raw("SELECT GET_LOCK(?, 30)", companyLockName(companyId)).Scan(&ok).Error; err != nil {
		return err
	}
	if ok != 1 {
		return fmt.Errorf("could not acquire production event lock for company_id=%s", companyId)
	}
	return nil
}

func ReleaseCompanyEventLock(tx *gorm.DB, companyId string) {
	if tx.Dialector.Name() != "mysql" {
		return
	}
	var released int
	_ = tx.Raw("SELECT RELEASE_LOCK(?)", companyLockName(companyId)).Scan(&released).Error
}

func companyLockName(companyId string) string {
	return "production:" + companyId
}
