// Package model はドメインモデルを定義する。
package model

import "time"

// LeadSource はリードの流入元を表す。
type LeadSource string

const (
	LeadSourceWebsite     LeadSource = "website"
	LeadSourceFacebookAds LeadSource = "facebook_ads"
	LeadSourceGoogleAds   LeadSource = "google_ads"
	LeadSourceReferral    LeadSource = "referral"
	LeadSourceEvents      LeadSource = "events"
	LeadSourceOther       LeadSource = "other"
)

// Valid は定義済みの流入元かどうかを返す。
func (s LeadSource) Valid() bool {
	switch s {
	case LeadSourceWebsite, LeadSourceFacebookAds, LeadSourceGoogleAds,
		LeadSourceReferral, LeadSourceEvents, LeadSourceOther:
		return true
	}
	return false
}

// LeadStatus はリードの商談ステータスを表す。
type LeadStatus string

const (
	LeadStatusNew       LeadStatus = "new"
	LeadStatusContacted LeadStatus = "contacted"
	LeadStatusQualified LeadStatus = "qualified"
	LeadStatusLost      LeadStatus = "lost"
	LeadStatusWon       LeadStatus = "won"
)

// Valid は定義済みのステータスかどうかを返す。
func (s LeadStatus) Valid() bool {
	switch s {
	case LeadStatusNew, LeadStatusContacted, LeadStatusQualified,
		LeadStatusLost, LeadStatusWon:
		return true
	}
	return false
}

// スコアの許容範囲。書き込み時は常にこの範囲へ丸められる。
const (
	MinLeadScore = 0
	MaxLeadScore = 100
)

// 保存列の上限。leadsテーブルの列定義と一致させること。
const (
	// MaxLeadValue はlead_valueの上限（この値自体は含まない）。NUMERIC(14,2)の整数部12桁に対応する。
	MaxLeadValue = 1e12

	MaxTextLength  = 255 // first_name, last_name, email, company, city, state
	MaxPhoneLength = 64
)

// Lead はテナント（所有ユーザー）に属する見込み顧客レコードを表す。
// OwnerIDは作成時に認証済みユーザーから設定され、以後変更されない。
type Lead struct {
	ID             string
	OwnerID        string
	FirstName      string
	LastName       string
	Email          string
	Phone          string
	Company        string
	City           string
	State          string
	Source         LeadSource
	Status         LeadStatus
	Score          int
	LeadValue      float64
	IsQualified    bool
	LastActivityAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// LeadInput はリード作成時に呼び出し元から受け取る値。
// id・owner・タイムスタンプは含まない。nilは未指定を表す。
type LeadInput struct {
	FirstName      string
	LastName       string
	Email          string
	Phone          string
	Company        string
	City           string
	State          string
	Source         LeadSource
	Status         LeadStatus
	Score          *float64 // 丸め前の値
	LeadValue      *float64
	IsQualified    *bool
	LastActivityAt *time.Time
}

// LeadPatch はリード更新時の部分更新内容。nilフィールドは変更しない。
// id、owner_id、created_at は構造上含まれないため上書きできない。
type LeadPatch struct {
	FirstName      *string
	LastName       *string
	Email          *string
	Phone          *string
	Company        *string
	City           *string
	State          *string
	Source         *LeadSource
	Status         *LeadStatus
	Score          *float64
	LeadValue      *float64
	IsQualified    *bool
	LastActivityAt *time.Time
}

// IsEmpty は更新対象フィールドが1つもない場合にtrueを返す。
func (p *LeadPatch) IsEmpty() bool {
	return p.FirstName == nil && p.LastName == nil && p.Email == nil &&
		p.Phone == nil && p.Company == nil && p.City == nil && p.State == nil &&
		p.Source == nil && p.Status == nil && p.Score == nil &&
		p.LeadValue == nil && p.IsQualified == nil && p.LastActivityAt == nil
}

// Apply はパッチの内容をリードに適用する。サニタイズ済みのパッチを渡すこと。
func (p *LeadPatch) Apply(l *Lead, score *int) {
	if p.FirstName != nil {
		l.FirstName = *p.FirstName
	}
	if p.LastName != nil {
		l.LastName = *p.LastName
	}
	if p.Email != nil {
		l.Email = *p.Email
	}
	if p.Phone != nil {
		l.Phone = *p.Phone
	}
	if p.Company != nil {
		l.Company = *p.Company
	}
	if p.City != nil {
		l.City = *p.City
	}
	if p.State != nil {
		l.State = *p.State
	}
	if p.Source != nil {
		l.Source = *p.Source
	}
	if p.Status != nil {
		l.Status = *p.Status
	}
	if score != nil {
		l.Score = *score
	}
	if p.LeadValue != nil {
		l.LeadValue = *p.LeadValue
	}
	if p.IsQualified != nil {
		l.IsQualified = *p.IsQualified
	}
	if p.LastActivityAt != nil {
		t := p.LastActivityAt.UTC()
		l.LastActivityAt = &t
	}
}
