// Package server は、キャプチャセッションを操作するHTTPサーバーを提供します。
//
// このパッケージは、api パッケージの ServerInterface を実装し、
// セッションの開始・停止・一時停止・再開、スナップショット取得、
// MJPEGによる映像配信、SSEによる通知配信を担当します。
//
// 責務:
//   - HTTPサーバーの起動とグレースフルシャットダウン
//   - API定義に基づくリクエスト検証とルーティング
//   - 開始失敗の分類に応じたステータスコードの返却
//   - ready / error / device:change 通知のSSE配信
//   - 操作画面（HTML/JS）の配信
//
// 仕様:
//   - ルーティングは gin を使用
//   - frame 通知はSSEでは配信せず、MJPEGストリームの駆動に使う
//   - シャットダウン時はストリーミング応答を先に終了させる
package server
