// Package config 提供 ConvoFlow 的配置管理功能。
//
// 聚合各子系统配置，支持从 YAML 文件和环境变量加载，
// 优先级: 默认值 → YAML 文件 → 环境变量。
package config
