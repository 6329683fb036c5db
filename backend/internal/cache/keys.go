package cache

import "fmt"

// 键语义：
// - roomKey(docID):  房间在线成员（ZSet<userId, expireAtUnix>，score=expireAt）
// - namesKey(docID): 房间内 userId→name 映射（Hash）
// 两个键带同一个 hash tag，集群模式下落在同一个 slot，lua 脚本可以同时操作

const (
	keyRoomFmt  = "presence:room:{docID:%s}"
	keyNamesFmt = "presence:room:names:{docID:%s}"
)

func roomKey(docID string) string  { return fmt.Sprintf(keyRoomFmt, docID) }
func namesKey(docID string) string { return fmt.Sprintf(keyNamesFmt, docID) }
