// Package camera カメラ取得セッションを提供する
//
// # 責務
// - カメラストリームの取得・解放（開始・停止・破棄）
// - フレーム通知ループの駆動と一時停止・再開
// - 現在フレームのスナップショット（data URL）出力
// - デバイス構成の変化検知と再列挙の通知
//
// # 使い分け
// このパッケージは以下の場合に使用する：
// - ライブプレビューに合わせてフレームごとの処理をしたい
// - カメラの取得失敗（権限拒否など）を通知で受け取りたい
// - デバイスの抜き差しに追従したい
//
// # 仕様
// - CaptureSession: ライフサイクルと通知（ready / frame / error / device:change）
// - MediaDevices: プラットフォームのストリーム取得・列挙・変化通知
// - Display: ストリームを再生しデコード済みフレームを持つ表示面
// - Scheduler: 表示フレーム同期またはリフレッシュ間隔によるティック
// - LinuxMediaDevices: V4L2デバイス + ffmpeg + fsnotify による実装
// - Mock*: テスト用の実装
//
// 通知はセッションのロックを解放してから登録順に同期配送する。
// ハンドラのパニックは回復してログに記録する。
//
// # 前提要件
//   - v4l-utils: カメラ名と能力の取得に使用
//     Ubuntu/Debian: sudo apt install v4l-utils
//   - ffmpeg: 画像キャプチャとストリーミングに使用
//     Ubuntu/Debian: sudo apt install ffmpeg
//   - videoグループへの参加: デバイスアクセス権限
//     sudo usermod -a -G video $USER
package camera
