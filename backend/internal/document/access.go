package document

import "github.com/samber/lo"

// CanAccess 访问判定：owner 或协作者。读写权限相同。
func CanAccess(doc *Document, userID string) bool {
	if doc == nil || userID == "" {
		return false
	}
	return doc.Owner == userID || lo.Contains(doc.Collaborators, userID)
}

// IsOwner 用于只有 owner 能做的操作（分享、删除）
func IsOwner(doc *Document, userID string) bool {
	return doc != nil && userID != "" && doc.Owner == userID
}
