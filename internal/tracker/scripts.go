package tracker

// fingerprintScript reads the navigator and screen facts a site can see.
const fingerprintScript = `(() => {
  const nav = navigator;
  let webgl = null;
  try {
    const gl = document.createElement('canvas').getContext('webgl');
    const ext = gl && gl.getExtension('WEBGL_debug_renderer_info');
    if (ext) {
      webgl = {
        vendor: gl.getParameter(ext.UNMASKED_VENDOR_WEBGL),
        renderer: gl.getParameter(ext.UNMASKED_RENDERER_WEBGL)
      };
    }
  } catch (e) {}
  return {
    url: location.href,
    userAgent: nav.userAgent,
    platform: nav.platform,
    language: nav.language,
    languages: Array.from(nav.languages || []),
    hardwareConcurrency: nav.hardwareConcurrency || 0,
    deviceMemory: nav.deviceMemory || 0,
    cookieEnabled: nav.cookieEnabled,
    doNotTrack: nav.doNotTrack,
    webdriver: !!nav.webdriver,
    timezone: Intl.DateTimeFormat().resolvedOptions().timeZone,
    screen: {
      width: screen.width,
      height: screen.height,
      colorDepth: screen.colorDepth,
      pixelRatio: window.devicePixelRatio
    },
    webgl: webgl,
    plugins: Array.from(nav.plugins || []).map(p => p.name)
  };
})()`

// storageScript dumps both web storage areas as string maps.
const storageScript = `(() => {
  const dump = (s) => {
    const out = {};
    try {
      for (let i = 0; i < s.length; i++) {
        const k = s.key(i);
        out[k] = s.getItem(k);
      }
    } catch (e) {}
    return out;
  };
  return { url: location.href, localStorage: dump(window.localStorage), sessionStorage: dump(window.sessionStorage) };
})()`

const htmlScript = `document.documentElement.outerHTML`
