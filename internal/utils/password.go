package utils

import (
	"golang.org/x/crypto/bcrypt"
)

// HashPassword 将明文密码加密为 Hash 字符串
// 用于：用户注册 (Register)
func HashPassword(password string) (string, error) {
	// GenerateFromPassword 会自动加盐，两个用户密码相同生成的 Hash 也不同
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(bytes), err
}

// CheckPasswordHash 校验明文密码是否与 Hash 匹配
// 用于：用户登录 (Login)
func CheckPasswordHash(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}
