package document

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"

	"docsync/backend/internal/delta"
)

// ErrInvalidRecord 写入时校验失败；读取时不做校验
var ErrInvalidRecord = errors.New("invalid document record")

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterStructValidation(func(sl validator.StructLevel) {
			doc := sl.Current().Interface().(Document)
			if !doc.Snapshot.Valid() {
				sl.ReportError(doc.Snapshot, "Snapshot", "snapshot", "delta", "")
			}
			if lo.Contains(doc.Collaborators, doc.Owner) {
				sl.ReportError(doc.Collaborators, "Collaborators", "collaborators", "ownerexcluded", "")
			}
			if len(lo.Uniq(doc.Collaborators)) != len(doc.Collaborators) {
				sl.ReportError(doc.Collaborators, "Collaborators", "collaborators", "unique", "")
			}
		}, Document{})
		v.RegisterStructValidation(func(sl validator.StructLevel) {
			e := sl.Current().Interface().(ChangeEntry)
			if !e.Delta.Valid() {
				sl.ReportError(e.Delta, "Delta", "delta", "delta", "")
			}
		}, ChangeEntry{})
		validate = v
	})
	return validate
}

// Validate 校验整条文档记录
func Validate(doc *Document) error {
	if doc == nil {
		return fmt.Errorf("%w: nil document", ErrInvalidRecord)
	}
	if err := validatorInstance().Struct(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return nil
}

// ValidateEntry 校验一条历史记录
func ValidateEntry(e ChangeEntry) error {
	if err := validatorInstance().Struct(e); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return nil
}

// ValidateSnapshot 快照必须是带 ops 序列的对象
func ValidateSnapshot(d delta.Delta) error {
	if !d.Valid() {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, delta.ErrMalformed)
	}
	return nil
}
