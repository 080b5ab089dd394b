/*
Package llm 定义与模型供应商无关的调用契约。

引擎只依赖三种调用形态（见 Provider、CacheService、BatchService）：

 1. 同步单轮生成 —— 可携带结构化输出 Schema、工具声明与缓存引用；
 2. Prompt 缓存的创建与删除 —— TTL 由质量档位决定；
 3. 异步批量作业 —— 基于对象存储 URI 的提交与轮询。

具体的供应商接入（REST 编解码、认证、限流）位于 providers/ 子目录，
本包不包含任何网络代码。
*/
package llm
