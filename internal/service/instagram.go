package service

import (
	"fmt"
	"strings"
)

const (
	appPackage       = "com.instagram.android"
	appActivity      = "com.instagram.mainactivity.LauncherActivity"
	profileURLPrefix = "https://instagram.com/"

	// a blank or half-rendered profile has a much shorter hierarchy
	minLoadedSourceLen = 1000
)

var followButtonIDs = []string{
	"com.instagram.android:id/profile_header_follow_button",
	"com.instagram.android:id/profile_header_user_action_follow_button",
}

var followingLabels = []string{"Following", "Requested", "フォロー中", "リクエスト済み"}

var warningPatterns = []string{
	"Review this account before following",
	"Date joined",
	"Account based in",
	"before you follow them",
	"フォローする前にこのア",
	"安全のため",
	"このアカウントについて",
	"利用開始日",
	"アカウント所在地",
}

var notFoundPatterns = []string{
	"Page Not Found",
	"Sorry, this page isn't available",
	"このページはご利用いただけません",
}

var pendingPatterns = []string{
	"Your request is pending",
	"Some accounts prefer to manually review followers",
	"リクエストが保留中です",
	"フォローリクエストが送信されました",
}

var challengePatterns = []string{
	"challenge_required",
	"Confirm it's you",
	"Help us confirm it's you",
	"We Detected An Unusual Login Attempt",
	"本人確認",
}

var loginFailurePatterns = []string{
	"Incorrect password",
	"Incorrect Password",
	"The password you entered is incorrect",
	"can't find an account",
	"パスワードが間違っています",
}

var popupLabels = []string{"後で", "今はしない", "スキップ", "Not Now", "Skip", "OK"}

const (
	xpathLoginEntry      = "//android.widget.Button[@content-desc='ログイン' or contains(@text, 'ログイン') or contains(@text, 'Log in')]"
	xpathUsernameField   = "//android.widget.EditText[contains(@text, 'ユーザーネーム') or contains(@text, 'Username') or contains(@text, '電話番号')]"
	xpathPasswordField   = "//android.widget.EditText[contains(@text, 'パスワード') or contains(@text, 'Password')]"
	xpathLoginButton     = "//android.widget.Button[contains(@text, 'ログイン') or contains(@text, 'Log in')]"
	xpathFollowingButton = "//android.widget.Button[contains(@text, 'フォロー中') or contains(@text, 'リクエスト済み') or contains(@text, 'Following') or contains(@text, 'Requested')]"
	xpathUnfollowConfirm = "//android.widget.Button[contains(@text, 'フォローをやめる') or contains(@text, 'Unfollow')]"
	xpathOKButton        = "//android.widget.Button[contains(@text, 'OK')]"
	xpathDateJoined      = "//android.widget.TextView[contains(@text, 'Date joined') or contains(@text, '利用開始日')]"
	xpathBasedIn         = "//android.widget.TextView[contains(@text, 'Account based in') or contains(@text, '所在地')]"
)

var xpathFollowFallbacks = []string{
	"//android.widget.Button[@text='Follow']",
	"//android.widget.Button[@text='フォローする']",
	"//android.widget.Button[contains(@text, 'Follow') and not(contains(@text, 'Following'))]",
}

func xpathPopup(label string) string {
	return fmt.Sprintf("//android.widget.Button[contains(@text, '%s')]", label)
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
