package service

import (
	"time"
)

// AccountGroup 同平台族账号的命名集合。成员关系多对多，
// 反向索引 account_groups_reverse:<platform>:<accountId> 与成员集合同步维护。
type AccountGroup struct {
	ID          string
	Name        string
	Platform    string // claude|openai|gemini|droid
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
