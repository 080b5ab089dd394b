/*
Package types 提供 ConvoFlow 引擎的全局共享类型定义。

types 是最底层的公共包，不依赖任何内部包，为 segment、promptcache、
orchestrator、batchsum 等上层模块提供统一的类型契约。所有跨包共享的
实体、枚举和错误码均定义于此，以避免循环依赖。

核心类型：

  - Message            — 聊天消息（按 chat 分区，conversation 标记可追加）
  - Conversation       — 批量摘要产出的会话记录（创建后不可变）
  - Person / PersonThought — 参与者档案与只追加的观点日志
  - PromptCacheRecord  — Provider 侧 Prompt 缓存的跟踪记录（软删除）
  - BatchJob           — 异步批量摘要作业及其状态机
  - AnswerStrategy     — 应答策略（conversation / ignore 为保留代码）
  - Error / ErrorCode  — 结构化错误体系，含 Retryable 与 Provider 标记
*/
package types
