package consensus

//
//  peers ──BlocksMessage──> Core.receiveRoutine
//                                 │
//                                 v
//                     +-----------------------+      missing refs
//                     |  BlockVerifier        |  ─────────────────> fetch from peers
//                     |  BlockManager         |
//                     +-----------+-----------+
//                                 │ accepted blocks (ancestors first)
//                                 v
//                     +-----------------------+
//                     |  DagStore (tm-db)     |
//                     +-----------+-----------+
//                                 │ HighestAcceptedRound
//                                 v
//                     +-----------------------+
//                     |  UniversalCommitter   |  committers[roundOffset][leaderOffset]
//                     +-----------+-----------+
//                                 │ decided leaders (Commit / Skip)
//                                 v
//                     +-----------------------+
//                     |  Linearizer           |
//                     +-----------+-----------+
//                                 │ CommittedSubDag
//                                 v
//                        EventNewCommit (events.EventSwitch)

//Core - 共识驱动，receive goroutine串行处理消息
//	- BlockManager - 只接受祖先完整的区块，缺失祖先的索引有上限
//	- UniversalCommitter - 每个BaseCommitter按wave做直接/间接决定，Undecided截断结果
//	- Linearizer - 把已提交leader的因果历史展开成全序
//	- DagStore - 区块持久化，由store包实现
