package repository

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// withClaimLock 给查询追加行级排他锁 + 跳过已锁行
// 这是跨进程协调的唯一原语：两个并发 worker 的同一个 claim 查询拿到的行集合互不相交，
// 事务提交/回滚前其他事务选不到这些行
// sqlite (单测) 不认识 SKIP LOCKED，跳过该子句，单测里本来也没有并发事务
func withClaimLock(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}
	return tx
}
