//go:build !unix

package fsx

// 非 unix 平台不区分跨盘错误，原样返回 rename 的错误。
func isEXDEV(error) bool { return false }
