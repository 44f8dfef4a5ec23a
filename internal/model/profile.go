package model

import "time"

// Profile 是账户的资料扩展，通过 AccountID 与 Account 关联。
//
// 注册时写入基础字段，账户验证后可以补全一次详细资料（CompletedAt 非空）。
type Profile struct {
	AccountID string   `gorm:"type:char(36);primaryKey"` // 关联账户 ID
	Name      string   `gorm:"type:varchar(50)"`         // 显示名称
	Bio       string   `gorm:"type:text"`                // 简介
	AvatarURL string   `gorm:"type:varchar(512)"`        // 头像链接
	Location  []string `gorm:"serializer:json"`          // 所在地
	Website   string   `gorm:"type:varchar(512)"`        // 个人网站

	Role         ProfileRole `gorm:"serializer:json"` // 身份信息
	About        string      `gorm:"type:text"`       // 详细介绍
	Technologies []string    `gorm:"serializer:json"` // 技术栈
	SocialLinks  SocialLinks `gorm:"serializer:json"` // 社交链接
	Projects     []Project   `gorm:"serializer:json"` // 项目列表
	CompletedAt  *time.Time  // 补全资料时间

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ProfileRole 描述用户的身份（学生/从业者等）。
type ProfileRole struct {
	Role      string `json:"role"`
	Institute string `json:"institute"`
	Year      string `json:"year"`
	Branch    string `json:"branch"`
}

// SocialLinks 社交平台链接。
type SocialLinks struct {
	GitHub   string `json:"github"`
	LinkedIn string `json:"linkedin"`
	Website  string `json:"website"`
	Twitter  string `json:"twitter"`
}

// Project 用户展示的项目。
type Project struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	URL         string   `json:"url"`
	Tags        []string `json:"tags"`
}
